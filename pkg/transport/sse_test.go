package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/events"
)

// recordingHandler captures the callback sequence for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	started  bool
	chunks   []string
	complete bool
	errKind  events.ErrorKind
	failed   bool
	terminal chan struct{}
	events   []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{terminal: make(chan struct{})}
}

func (r *recordingHandler) OnStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.events = append(r.events, "start")
}

func (r *recordingHandler) OnChunk(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, fragment)
	r.events = append(r.events, "chunk")
}

func (r *recordingHandler) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = true
	r.events = append(r.events, "complete")
	close(r.terminal)
}

func (r *recordingHandler) OnError(kind events.ErrorKind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.errKind = kind
	r.events = append(r.events, "error")
	close(r.terminal)
}

func (r *recordingHandler) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event within deadline")
	}
}

func (r *recordingHandler) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func writeSSE(t *testing.T, w http.ResponseWriter, ev events.Event) {
	t.Helper()
	b, err := events.MarshalEvent(ev)
	require.NoError(t, err)
	// write errors are expected when the client cancels mid-stream
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sseHandlerFunc(t *testing.T, frames func(sessionID string, w http.ResponseWriter)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ChatRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		frames(body.SessionID, w)
	}
}

func TestSSETransport_HappyPath(t *testing.T) {
	srv := httptest.NewServer(sseHandlerFunc(t, func(sessionID string, w http.ResponseWriter) {
		writeSSE(t, w, events.NewStartEvent(sessionID, "m-1"))
		writeSSE(t, w, events.NewDeltaEvent(sessionID, "m-1", "Hi", "Hi"))
		writeSSE(t, w, events.NewDeltaEvent(sessionID, "m-1", " there", "Hi there"))
		writeSSE(t, w, events.NewFinalEvent(sessionID, "m-1", "Hi there"))
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL)
	h := newRecordingHandler()

	handle, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.Equal(t, []string{"start", "chunk", "chunk", "complete"}, h.snapshot())
	require.Equal(t, []string{"Hi", " there"}, h.chunks)
	require.NotEmpty(t, handle.ID())
}

func TestSSETransport_BackendErrorEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandlerFunc(t, func(sessionID string, w http.ResponseWriter) {
		writeSSE(t, w, events.NewStartEvent(sessionID, "m-1"))
		writeSSE(t, w, events.NewErrorEvent(sessionID, "m-1", events.ErrorKindBackend, "model exploded"))
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL)
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.failed)
	require.Equal(t, events.ErrorKindBackend, h.errKind)
}

func TestSSETransport_StartTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewSSETransport(srv.URL, WithStartTimeout(50*time.Millisecond))
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.failed)
	require.Equal(t, events.ErrorKindTimeout, h.errKind)
	require.False(t, h.started)
}

func TestSSETransport_RetriesOnceBeforeStart(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sseHandlerFunc(t, func(sessionID string, w http.ResponseWriter) {
			writeSSE(t, w, events.NewStartEvent(sessionID, "m-1"))
			writeSSE(t, w, events.NewFinalEvent(sessionID, "m-1", "ok"))
		})(w, r)
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL, WithRetryBackoff(10*time.Millisecond))
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.complete)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, []string{"start", "complete"}, h.snapshot())
}

func TestSSETransport_PersistentFailureSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL, WithRetryBackoff(10*time.Millisecond))
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.failed)
	require.Equal(t, events.ErrorKindConnectionRefused, h.errKind)
}

func TestSSETransport_InterruptedAfterStart(t *testing.T) {
	srv := httptest.NewServer(sseHandlerFunc(t, func(sessionID string, w http.ResponseWriter) {
		writeSSE(t, w, events.NewStartEvent(sessionID, "m-1"))
		writeSSE(t, w, events.NewDeltaEvent(sessionID, "m-1", "partial", "partial"))
		// connection drops without a terminal event
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL)
	h := newRecordingHandler()

	_, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)
	h.waitTerminal(t)

	require.True(t, h.failed)
	require.Equal(t, events.ErrorKindStreamInterrupted, h.errKind)
	require.Equal(t, []string{"partial"}, h.chunks)
}

func TestSSETransport_CancelDropsLateEvents(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(sseHandlerFunc(t, func(sessionID string, w http.ResponseWriter) {
		writeSSE(t, w, events.NewStartEvent(sessionID, "m-1"))
		writeSSE(t, w, events.NewDeltaEvent(sessionID, "m-1", "early", "early"))
		close(started)
		<-release
		writeSSE(t, w, events.NewDeltaEvent(sessionID, "m-1", "late", "earlylate"))
		writeSSE(t, w, events.NewFinalEvent(sessionID, "m-1", "earlylate"))
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL)
	h := newRecordingHandler()

	handle, err := tr.Send(context.Background(), "sess-1", "Hello", h)
	require.NoError(t, err)

	<-started
	// wait for the early chunk to be delivered before canceling
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.chunks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	handle.Cancel()
	before := h.snapshot()
	close(release)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, h.snapshot())
	require.False(t, h.complete)
	require.False(t, h.failed)

	select {
	case <-handle.Done():
	default:
		t.Fatal("expected handle to be done after cancel")
	}
}

func TestSend_ValidatesPrompt(t *testing.T) {
	tr := NewSSETransport("http://127.0.0.1:0", WithMaxRunes(10))

	_, err := tr.Send(context.Background(), "sess-1", "   ", newRecordingHandler())
	require.True(t, errors.Is(err, ErrEmptyMessage))

	_, err = tr.Send(context.Background(), "sess-1", "this is far too long", newRecordingHandler())
	require.True(t, errors.Is(err, ErrMessageTooLong))
}

func TestValidate_MatchesSendConstraints(t *testing.T) {
	sse := NewSSETransport("http://127.0.0.1:0", WithMaxRunes(10))
	ws := NewWSTransport("ws://127.0.0.1:0", WithMaxRunes(10))

	for _, tr := range []Transport{sse, ws} {
		_, err := tr.Validate("   ")
		require.True(t, errors.Is(err, ErrEmptyMessage))

		_, err = tr.Validate("this is far too long")
		require.True(t, errors.Is(err, ErrMessageTooLong))

		got, err := tr.Validate("  hi  ")
		require.NoError(t, err)
		require.Equal(t, "hi", got)
	}
}
