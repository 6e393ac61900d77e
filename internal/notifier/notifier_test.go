package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() *proto.Notification {
	return Stamp(&proto.Notification{
		Watcher:  "live_status",
		EventKey: "42",
		Kind:     proto.NotificationKind_LIVE_ON,
		Text:     "streamer is live",
	})
}

func TestStampFillsIDAndTimestamp(t *testing.T) {
	n := testNotification()
	assert.NotEmpty(t, n.Id)
	assert.NotNil(t, n.Ts)

	n2 := Stamp(&proto.Notification{Id: "fixed"})
	assert.Equal(t, "fixed", n2.Id)
}

func TestMultiSucceedsWhenAnyTransportDelivers(t *testing.T) {
	var got []proto.Registrant
	ok := Func(func(ctx context.Context, r proto.Registrant, n *proto.Notification) error {
		got = append(got, r)
		return nil
	})
	failing := Func(func(ctx context.Context, r proto.Registrant, n *proto.Notification) error {
		return errors.New("down")
	})

	err := Multi{failing, ok}.Send(context.Background(), "group-1", testNotification())
	require.NoError(t, err)
	assert.Equal(t, []proto.Registrant{"group-1"}, got)
}

func TestMultiJoinsErrorsWhenAllFail(t *testing.T) {
	boom := errors.New("boom")
	failing := Func(func(ctx context.Context, r proto.Registrant, n *proto.Notification) error {
		return boom
	})

	err := Multi{failing, NewStreamNotifier(StreamConfig{})}.Send(context.Background(), "g", testNotification())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrNoRecipient)

	assert.ErrorIs(t, Multi{}.Send(context.Background(), "g", testNotification()), ErrNoRecipient)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, NewLogNotifier().Send(context.Background(), "g", testNotification()))
}

func TestWebhookNotifier(t *testing.T) {
	var (
		mu       sync.Mutex
		received []proto.Notification
		headers  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n proto.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, n)
		headers = append(headers, r.Header.Get("X-Lookout-Registrant"))
		mu.Unlock()
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhookNotifier(WebhookConfig{
		URLs: map[proto.Registrant]string{
			"broken": srv.URL + "/fail",
		},
		DefaultURL: srv.URL + "/hook",
	})

	n := testNotification()
	require.NoError(t, w.Send(context.Background(), "group-1", n))
	assert.Error(t, w.Send(context.Background(), "broken", n))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, n.Id, received[0].Id)
	assert.Equal(t, []string{"group-1", "broken"}, headers)
}

func TestWebhookWithoutURL(t *testing.T) {
	w := NewWebhookNotifier(WebhookConfig{})
	assert.ErrorIs(t, w.Send(context.Background(), "g", testNotification()), ErrNoRecipient)
}

func TestStreamSendWithoutClients(t *testing.T) {
	s := NewStreamNotifier(StreamConfig{})
	assert.ErrorIs(t, s.Send(context.Background(), "nobody", testNotification()), ErrNoRecipient)
}

func TestStreamSendRoutesByRegistrant(t *testing.T) {
	s := NewStreamNotifier(StreamConfig{ClientBuffer: 1})
	a := s.addClient("group-1", nil, true)
	b := s.addClient("group-2", nil, true)

	require.NoError(t, s.Send(context.Background(), "group-1", testNotification()))

	select {
	case raw := <-a.send:
		var msg proto.StreamMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, proto.StreamMessageNotification, msg.Type)
		assert.Equal(t, proto.EventKey("42"), msg.Notification.EventKey)
	default:
		t.Fatal("group-1 client received nothing")
	}
	assert.Empty(t, b.send)

	// Buffer of one: the second send fills it, the third finds it full
	require.NoError(t, s.Send(context.Background(), "group-1", testNotification()))
	assert.Error(t, s.Send(context.Background(), "group-1", testNotification()))

	s.removeClient(a.ID)
	s.removeClient(a.ID)
	assert.Equal(t, 0, s.ClientCount("group-1"))
	assert.Equal(t, 1, s.ClientCount("group-2"))
}

func TestStreamIdleCleanup(t *testing.T) {
	s := NewStreamNotifier(StreamConfig{MaxIdleTime: time.Minute})
	c := s.addClient("g", nil, true)
	c.mu.Lock()
	c.LastActive = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	s.performClientCleanup()
	assert.Equal(t, 0, s.ClientCount("g"))
}

func TestStreamWebSocketEndToEnd(t *testing.T) {
	s := NewStreamNotifier(StreamConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	url := "ws://" + ln.Addr().String() + "/stream?registrant=group-1"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello proto.StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, proto.StreamMessageConnected, hello.Type)

	require.Eventually(t, func() bool {
		return s.ClientCount("group-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := testNotification()
	require.NoError(t, s.Send(context.Background(), "group-1", sent))

	var msg proto.StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, proto.StreamMessageNotification, msg.Type)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, sent.Id, msg.Notification.Id)
	assert.Equal(t, "streamer is live", msg.Notification.Text)
}
