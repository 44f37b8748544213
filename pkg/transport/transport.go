package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/events"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)

// EventHandler receives the lifecycle callbacks for one in-flight exchange.
// Per handle the order is: OnStart once, OnChunk zero or more times, then
// exactly one of OnComplete / OnError. After Handle.Cancel returns, no
// further callbacks fire.
type EventHandler interface {
	OnStart()
	OnChunk(fragment string)
	OnComplete()
	OnError(kind events.ErrorKind, message string)
}

// Transport turns one outgoing user message into an incremental assistant
// response, independent of the wire protocol underneath. Validate applies
// the same constraints Send enforces without dispatching anything, so
// callers can reject input before recording it anywhere.
type Transport interface {
	Validate(text string) (string, error)
	Send(ctx context.Context, sessionID string, text string, handler EventHandler) (*Handle, error)
}

// ChatRequestBody is the payload of the message-send endpoint.
type ChatRequestBody struct {
	SessionID      string `json:"sessionId"`
	Prompt         string `json:"prompt"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Options are shared across transport implementations.
type Options struct {
	StartTimeout time.Duration
	RetryBackoff time.Duration
	MaxRunes     int
	HTTPClient   *http.Client
}

type Option func(*Options)

func WithStartTimeout(d time.Duration) Option { return func(o *Options) { o.StartTimeout = d } }
func WithRetryBackoff(d time.Duration) Option { return func(o *Options) { o.RetryBackoff = d } }
func WithMaxRunes(n int) Option               { return func(o *Options) { o.MaxRunes = n } }
func WithHTTPClient(c *http.Client) Option    { return func(o *Options) { o.HTTPClient = c } }

func defaultOptions() Options {
	return Options{
		StartTimeout: 15 * time.Second,
		RetryBackoff: 500 * time.Millisecond,
		MaxRunes:     4000,
		HTTPClient:   http.DefaultClient,
	}
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// validatePrompt enforces the send constraints shared by all transports and
// returns the trimmed text.
func validatePrompt(text string, maxRunes int) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(trimmed)) > maxRunes {
		return "", errors.Wrapf(ErrMessageTooLong, "%d runes, max %d", len([]rune(trimmed)), maxRunes)
	}
	return trimmed, nil
}

// Handle is the cancellable reference to one send/receive exchange. All
// callback dispatch is serialized through its mutex; Cancel takes the same
// mutex, so once Cancel returns the transport cannot deliver another event.
type Handle struct {
	id      string
	handler EventHandler
	cancel  context.CancelFunc

	mu       sync.Mutex
	started  bool
	terminal bool
	canceled bool

	startTimer *time.Timer
	done       chan struct{}
}

// NewHandle builds a handle around a handler. Transport implementations
// (including custom ones outside this package) feed decoded wire events
// through DispatchEvent and rely on the handle for ordering, terminal-event
// and cancellation discipline.
func NewHandle(handler EventHandler, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the idempotency key of this exchange.
func (h *Handle) ID() string { return h.id }

// Done is closed once the exchange reached a terminal event or was canceled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel aborts the exchange. Late events from the underlying call are
// dropped at the transport and never reach the handler.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.canceled || h.terminal {
		h.mu.Unlock()
		return
	}
	h.canceled = true
	h.stopStartTimerLocked()
	close(h.done)
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	log.Debug().Str("component", "transport").Str("handle_id", h.id).Msg("canceled in-flight exchange")
}

func (h *Handle) armStartTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal || h.started {
		return
	}
	h.startTimer = time.AfterFunc(d, func() {
		if h.dispatchStartTimeout() && h.cancel != nil {
			h.cancel()
		}
	})
}

// dispatchStartTimeout synthesizes the timeout error for a stream that never
// started. Unlike dispatchError it bails when the start already arrived: the
// timer may have fired concurrently with dispatchStart and lost the race for
// the mutex, and a started stream must not be killed by its own start timer.
func (h *Handle) dispatchStartTimeout() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal || h.started {
		return false
	}
	h.terminal = true
	h.stopStartTimerLocked()
	close(h.done)
	h.handler.OnError(events.ErrorKindTimeout, "no stream start within timeout")
	return true
}

func (h *Handle) stopStartTimerLocked() {
	if h.startTimer != nil {
		h.startTimer.Stop()
		h.startTimer = nil
	}
}

// Started reports whether OnStart was delivered.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) dispatchStart() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal || h.started {
		return false
	}
	h.started = true
	h.stopStartTimerLocked()
	h.handler.OnStart()
	return true
}

func (h *Handle) dispatchChunk(fragment string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal || !h.started {
		return false
	}
	h.handler.OnChunk(fragment)
	return true
}

func (h *Handle) dispatchComplete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal {
		return false
	}
	h.terminal = true
	h.stopStartTimerLocked()
	close(h.done)
	h.handler.OnComplete()
	return true
}

func (h *Handle) dispatchError(kind events.ErrorKind, message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled || h.terminal {
		return false
	}
	h.terminal = true
	h.stopStartTimerLocked()
	close(h.done)
	h.handler.OnError(kind, message)
	return true
}

// DispatchEvent routes one decoded wire event to the handler, honoring the
// handle's cancellation and terminal-event guarantees.
func (h *Handle) DispatchEvent(e events.Event) {
	switch ev := e.(type) {
	case *events.EventStart:
		h.dispatchStart()
	case *events.EventDelta:
		h.dispatchChunk(ev.Delta)
	case *events.EventFinal:
		h.dispatchComplete()
	case *events.EventError:
		h.dispatchError(ev.Kind, ev.Message)
	default:
		log.Warn().Str("component", "transport").Str("handle_id", h.id).Str("event_type", string(e.Type())).Msg("ignoring unknown event type")
	}
}
