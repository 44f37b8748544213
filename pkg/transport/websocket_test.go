package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/events"
)

var testUpgrader = websocket.Upgrader{}

func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var body ChatRequestBody
		if err := conn.ReadJSON(&body); err != nil {
			return
		}
		send := func(ev events.Event) {
			b, err := events.MarshalEvent(ev)
			require.NoError(t, err)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
		send(events.NewStartEvent(body.SessionID, "m-1"))
		send(events.NewDeltaEvent(body.SessionID, "m-1", "echo: ", "echo: "))
		send(events.NewDeltaEvent(body.SessionID, "m-1", body.Prompt, "echo: "+body.Prompt))
		send(events.NewFinalEvent(body.SessionID, "m-1", "echo: "+body.Prompt))
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransport_HappyPath(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	tr := NewWSTransport(wsURL(srv))
	h := newRecordingHandler()

	handle, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.Equal(t, []string{"start", "chunk", "chunk", "complete"}, h.snapshot())
	require.Equal(t, "echo: Hello", strings.Join(h.chunks, ""))
	require.NotEmpty(t, handle.ID())
}

func TestWSTransport_DialFailure(t *testing.T) {
	// port that refuses connections
	tr := NewWSTransport("ws://127.0.0.1:1/ws", WithRetryBackoff(10*time.Millisecond))
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.failed)
	require.Equal(t, events.ErrorKindConnectionRefused, h.errKind)
}

func TestWSTransport_CancelStopsEvents(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		var body ChatRequestBody
		if err := conn.ReadJSON(&body); err != nil {
			return
		}
		b, _ := events.MarshalEvent(events.NewStartEvent(body.SessionID, "m-1"))
		_ = conn.WriteMessage(websocket.TextMessage, b)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	tr := NewWSTransport(wsURL(srv))
	h := newRecordingHandler()

	handle, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.started
	}, 2*time.Second, 5*time.Millisecond)

	handle.Cancel()
	time.Sleep(50 * time.Millisecond)

	require.False(t, h.complete)
	require.False(t, h.failed)
}
