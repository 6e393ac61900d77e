package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatchers struct {
	registries map[string]registry.Registry
	ready      map[string]bool
}

func (f *fakeWatchers) Watchers() []*proto.WatcherInfo {
	return []*proto.WatcherInfo{{Name: "live_status", IntervalSeconds: 600, Running: true}}
}

func (f *fakeWatchers) Registry(name string) (registry.Registry, bool) {
	r, ok := f.registries[name]
	return r, ok
}

func (f *fakeWatchers) Ready(ctx context.Context) map[string]bool {
	return f.ready
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

func setupTestAPI(t *testing.T) (*httptest.Server, *fakeWatchers) {
	watchers := &fakeWatchers{
		registries: map[string]registry.Registry{
			"live_status": registry.NewMemoryRegistry("live_status"),
		},
		ready: map[string]bool{"store": true},
	}
	api := NewChiAPI(Config{MaxBodySize: 1024}, watchers)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, watchers
}

func do(t *testing.T, method, url string, body any) (int, envelope) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestHealthEndpoints(t *testing.T) {
	srv, watchers := setupTestAPI(t)

	for _, path := range []string{"/healthz", "/healthcheck"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	status, env := do(t, http.MethodGet, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	watchers.ready = map[string]bool{"store": false}
	status, env = do(t, http.MethodGet, srv.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_ready", env.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestAPI(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListWatchers(t *testing.T) {
	srv, _ := setupTestAPI(t)

	status, env := do(t, http.MethodGet, srv.URL+"/v1/watchers", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, env.Meta.Count)

	var list proto.ListWatchersResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Watchers, 1)
	assert.Equal(t, "live_status", list.Watchers[0].Name)
}

func TestRegisterAndLookup(t *testing.T) {
	srv, _ := setupTestAPI(t)
	base := srv.URL + "/v1/watchers/live_status"

	status, env := do(t, http.MethodPost, base+"/registrants/group-1", map[string]any{"events": []string{"200", "100"}})
	require.Equal(t, http.StatusOK, status)
	var reg proto.RegisterResponse
	require.NoError(t, json.Unmarshal(env.Data, &reg))
	assert.Equal(t, []proto.EventKey{"100", "200"}, reg.Events)

	status, env = do(t, http.MethodGet, base+"/pool", nil)
	require.Equal(t, http.StatusOK, status)
	var pool proto.EventPoolResponse
	require.NoError(t, json.Unmarshal(env.Data, &pool))
	assert.Equal(t, []proto.EventKey{"100", "200"}, pool.Events)
	assert.Equal(t, 2, env.Meta.Count)

	status, env = do(t, http.MethodGet, base+"/events/200/registrants", nil)
	require.Equal(t, http.StatusOK, status)
	var found proto.RegistrantsResponse
	require.NoError(t, json.Unmarshal(env.Data, &found))
	assert.Equal(t, []proto.Registrant{"group-1"}, found.Registrants)

	// Unknown event answers with an empty list
	status, env = do(t, http.MethodGet, base+"/events/999/registrants", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &found))
	assert.NotNil(t, found.Registrants)
	assert.Empty(t, found.Registrants)
}

func TestReplaceSubscriptions(t *testing.T) {
	srv, watchers := setupTestAPI(t)
	base := srv.URL + "/v1/watchers/live_status"
	reg := watchers.registries["live_status"]
	ctx := context.Background()

	status, _ := do(t, http.MethodPut, base+"/subscriptions", map[string]any{
		"subscriptions": map[string][]string{
			"group-1": {"100", "200"},
			"group-2": {"200", "300"},
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, env := do(t, http.MethodPut, base+"/subscriptions", map[string]any{
		"subscriptions": map[string][]string{"group-1": {"100"}},
	})
	require.Equal(t, http.StatusOK, status)
	var resp proto.ReplaceSubscriptionsResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 1, resp.Registrants)

	found, err := reg.FindRegistrantsByEvent(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, []proto.Registrant{"group-2"}, found)
}

func TestValidationErrors(t *testing.T) {
	srv, _ := setupTestAPI(t)
	base := srv.URL + "/v1/watchers/live_status"

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		status int
		code   string
	}{
		{"unknown watcher", http.MethodGet, srv.URL + "/v1/watchers/nope/pool", "", http.StatusNotFound, "watcher_not_found"},
		{"empty body", http.MethodPost, base + "/registrants/g", "", http.StatusBadRequest, "empty_request_body"},
		{"bad json", http.MethodPost, base + "/registrants/g", "{", http.StatusBadRequest, "invalid_json"},
		{"unknown field", http.MethodPost, base + "/registrants/g", `{"evnts":["1"]}`, http.StatusBadRequest, "invalid_json"},
		{"no events", http.MethodPost, base + "/registrants/g", `{"events":[]}`, http.StatusBadRequest, "missing_events"},
		{"empty event", http.MethodPost, base + "/registrants/g", `{"events":[""]}`, http.StatusBadRequest, "required_field_missing"},
		{"too large", http.MethodPost, base + "/registrants/g", `{"events":["` + strings.Repeat("x", 2048) + `"]}`, http.StatusBadRequest, "request_too_large"},
		{"no subscriptions", http.MethodPut, base + "/subscriptions", `{"subscriptions":{}}`, http.StatusBadRequest, "missing_subscriptions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			var env envelope
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}
