package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nkkko/lookout/internal/policy"
	"github.com/nkkko/lookout/pkg/proto"
)

// DefaultDigestEndpoint is the hot list endpoint
const DefaultDigestEndpoint = "https://api.vvhan.com/api/hotlist"

// Ensure DigestPoller implements policy.DigestPoller
var _ policy.DigestPoller = (*DigestPoller)(nil)

// DigestPoller fetches ranked hot lists by list type
type DigestPoller struct {
	client   *Client
	endpoint string
}

// NewDigestPoller creates a digest poller
func NewDigestPoller(client *Client, endpoint string) *DigestPoller {
	if endpoint == "" {
		endpoint = DefaultDigestEndpoint
	}
	return &DigestPoller{client: client, endpoint: endpoint}
}

type hotListResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	UpdateTime string `json:"update_time"`
	Data       []struct {
		Index int             `json:"index"`
		Title string          `json:"title"`
		Hot   json.RawMessage `json:"hot"`
		URL   string          `json:"url"`
	} `json:"data"`
}

// FetchDigest returns the current entries of list in rank order
func (p *DigestPoller) FetchDigest(ctx context.Context, list proto.EventKey) (*policy.Digest, error) {
	query := url.Values{}
	query.Set("type", string(list))

	var resp hotListResponse
	if err := p.client.GetJSON(ctx, "digest", p.endpoint, query, &resp); err != nil {
		return nil, err
	}
	if !resp.Success && len(resp.Data) == 0 {
		return nil, fmt.Errorf("digest %s: source reported failure: %s", list, resp.Message)
	}

	digest := &policy.Digest{
		List:      list,
		UpdatedAt: resp.UpdateTime,
		Entries:   make([]policy.DigestEntry, 0, len(resp.Data)),
	}
	for i, item := range resp.Data {
		rank := item.Index
		if rank <= 0 {
			rank = i + 1
		}
		hot := strings.Trim(string(item.Hot), `"`)
		if hot == "null" {
			hot = ""
		}
		digest.Entries = append(digest.Entries, policy.DigestEntry{
			Rank:  rank,
			Title: item.Title,
			Hot:   hot,
			URL:   item.URL,
		})
	}
	return digest, nil
}
