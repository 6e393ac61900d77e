package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nkkko/lookout/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body of at most maxBytes and
// validates it. A non-positive maxBytes disables the limit.
func ParseAndValidate(w http.ResponseWriter, r *http.Request, maxBytes int64, v Validator) error {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.Is(err, io.EOF):
			return errors.ValidationError("empty_request_body", "Request body is empty")
		case stderrors.As(err, &tooLarge):
			return errors.ValidationError("request_too_large", "Request body must be at most "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		default:
			return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
		}
	}

	return v.Validate()
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// MaxItems validates that a list is not longer than max
func MaxItems(field string, count, max int) error {
	if count > max {
		return errors.ValidationError(
			"max_items_exceeded",
			field+" must have at most "+strconv.Itoa(max)+" items",
		)
	}
	return nil
}
