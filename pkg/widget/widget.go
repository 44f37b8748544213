package widget

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/apiclient"
	"github.com/go-go-golems/jiminy/pkg/chatstore"
	"github.com/go-go-golems/jiminy/pkg/eventbus"
	"github.com/go-go-golems/jiminy/pkg/events"
	"github.com/go-go-golems/jiminy/pkg/messagelog"
	"github.com/go-go-golems/jiminy/pkg/session"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

// UIState is the widget's visible state.
type UIState string

const (
	StateClosed    UIState = "closed"
	StateOpen      UIState = "open"
	StateMinimized UIState = "minimized"
)

// ErrInvalidState marks API misuse, e.g. sending a message while the widget
// is closed.
var ErrInvalidState = errors.New("operation not valid in current widget state")

const defaultWelcome = "Hi there! How can we help you today?"

// Widget orchestrates the session store, message log and streaming
// transport behind the small state machine the rendering layer drives. It
// is the only type view code talks to.
type Widget struct {
	mu    sync.Mutex
	state UIState

	sessions  *session.Store
	history   *messagelog.Log
	transport transport.Transport

	api         *apiclient.Client
	transcripts chatstore.TranscriptStore
	bus         *eventbus.Bus
	welcome     string

	active *transport.Handle
}

type Option func(*Widget)

// WithAPIClient enables backend transcript preloading for externally
// supplied session ids.
func WithAPIClient(c *apiclient.Client) Option {
	return func(w *Widget) { w.api = c }
}

// WithTranscriptStore enables the local transcript cache.
func WithTranscriptStore(s chatstore.TranscriptStore) Option {
	return func(w *Widget) { w.transcripts = s }
}

// WithBus mirrors streaming events onto an event bus for observers.
func WithBus(b *eventbus.Bus) Option {
	return func(w *Widget) { w.bus = b }
}

// WithWelcomeMessage overrides the synthetic first-open welcome text.
func WithWelcomeMessage(text string) Option {
	return func(w *Widget) { w.welcome = text }
}

func New(sessions *session.Store, history *messagelog.Log, tr transport.Transport, opts ...Option) *Widget {
	w := &Widget{
		state:     StateClosed,
		sessions:  sessions,
		history:   history,
		transport: tr,
		welcome:   defaultWelcome,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current UI state.
func (w *Widget) State() UIState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SessionID returns the widget's session id, creating one if needed.
func (w *Widget) SessionID() string {
	return w.sessions.GetOrCreate()
}

// Messages returns a read-only snapshot of the conversation history.
func (w *Widget) Messages() []messagelog.Message {
	return w.history.Snapshot()
}

// Open transitions Closed→Open or Minimized→Open. On the very first open of
// a fresh session it enqueues the synthetic welcome message and latches the
// session's seen flag. Opening an already-open widget is a no-op.
func (w *Widget) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateOpen:
		return nil
	case StateMinimized:
		// resume; same session, no welcome replay
		w.state = StateOpen
		return nil
	}

	id := w.sessions.GetOrCreate()
	if !w.sessions.Seen() {
		welcome := messagelog.Message{
			Role:    messagelog.RoleSystem,
			Content: w.welcome,
			Status:  messagelog.StatusComplete,
		}
		if err := w.history.Append(welcome); err != nil {
			log.Warn().Err(err).Str("component", "widget").Msg("failed to append welcome message")
		} else {
			w.persistLatest()
		}
	}
	w.sessions.MarkSeen()
	w.state = StateOpen
	log.Debug().Str("component", "widget").Str("session_id", id).Msg("widget opened")
	return nil
}

// Minimize hides the widget without touching session or history.
func (w *Widget) Minimize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateMinimized:
		return nil
	case StateOpen:
		w.state = StateMinimized
		return nil
	}
	return errors.Wrap(ErrInvalidState, "cannot minimize a closed widget")
}

// Close hides the widget. History is retained; an active stream is
// cancelled and its assistant message finalized as failed, keeping any
// partial content.
func (w *Widget) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}
	w.cancelActiveLocked(true)
	w.state = StateClosed
	return nil
}

// LoadSession adopts an externally supplied session id (e.g. from a shared
// link) while the widget is still closed, and preloads the stored
// transcript so the first open shows a populated conversation.
func (w *Widget) LoadSession(ctx context.Context, explicitID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateClosed {
		return errors.Wrap(ErrInvalidState, "sessions can only be loaded while closed")
	}

	id := w.sessions.Load(explicitID)
	msgs, err := w.fetchTranscript(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("session_id", id).Msg("transcript preload failed; opening empty")
		return nil
	}
	for _, msg := range msgs {
		if err := w.history.Append(msg); err != nil {
			log.Warn().Err(err).Str("component", "widget").Str("message_id", msg.ID).Msg("skipping transcript message")
		}
	}
	return nil
}

func (w *Widget) fetchTranscript(ctx context.Context, sessionID string) ([]messagelog.Message, error) {
	if w.api != nil {
		msgs, err := w.api.History(ctx, sessionID)
		if err == nil {
			return msgs, nil
		}
		log.Warn().Err(err).Str("component", "widget").Msg("backend history unavailable; trying local cache")
	}
	if w.transcripts != nil {
		return w.transcripts.ListMessages(ctx, sessionID)
	}
	return nil, nil
}

// SendMessage appends the user message and starts streaming the assistant
// reply. Valid only while open. A still-active previous stream is cancelled
// first and its placeholder dropped: the new message supersedes the
// unfinished turn. Rejected input (empty or over-length) leaves history and
// the transcript cache untouched.
func (w *Widget) SendMessage(ctx context.Context, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		return errors.Wrap(ErrInvalidState, "cannot send while widget is not open")
	}
	prompt, err := w.transport.Validate(text)
	if err != nil {
		return err
	}

	sessionID := w.sessions.GetOrCreate()
	w.cancelActiveLocked(false)

	userMsg := messagelog.Message{
		Role:    messagelog.RoleUser,
		Content: prompt,
		Status:  messagelog.StatusComplete,
	}
	if err := w.history.Append(userMsg); err != nil {
		return err
	}
	w.persistLatest()

	msgID, err := w.history.BeginStreaming(messagelog.RoleAssistant)
	if err != nil {
		return err
	}

	handler := &streamHandler{
		sessionID:   sessionID,
		messageID:   msgID,
		history:     w.history,
		transcripts: w.transcripts,
		bus:         w.bus,
	}
	handle, err := w.transport.Send(ctx, sessionID, prompt, handler)
	if err != nil {
		// nothing was sent; remove the placeholder and surface the error
		_, _ = w.history.DropStreaming()
		return err
	}
	w.active = handle
	return nil
}

// cancelActiveLocked cancels the in-flight exchange, if any. With
// finalizeFailed the streaming placeholder is frozen as failed (partial
// content kept); otherwise it is dropped from the history entirely. Bus
// observers see the abandoned turn as a canceled error event.
func (w *Widget) cancelActiveLocked(finalizeFailed bool) {
	if w.active == nil {
		return
	}
	w.active.Cancel()
	w.active = nil

	id, ok := w.history.StreamingID()
	if !ok {
		return
	}
	reason := "superseded by a newer message"
	if finalizeFailed {
		reason = "widget closed during streaming"
		if err := w.history.Finalize(id, messagelog.StatusFailed); err != nil {
			log.Warn().Err(err).Str("component", "widget").Str("message_id", id).Msg("failed to finalize cancelled stream")
		}
	} else {
		_, _ = w.history.DropStreaming()
	}
	w.publishCanceled(id, reason)
}

func (w *Widget) publishCanceled(messageID string, reason string) {
	if w.bus == nil {
		return
	}
	sessionID := w.sessions.GetOrCreate()
	e := events.NewErrorEvent(sessionID, messageID, events.ErrorKindCanceled, reason)
	if err := w.bus.Publish(sessionID, e); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("message_id", messageID).Msg("failed to publish cancel event")
	}
}

// persistLatest writes the most recently appended message to the local
// transcript cache.
func (w *Widget) persistLatest() {
	if w.transcripts == nil {
		return
	}
	msgs := w.history.Snapshot()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if err := w.transcripts.AppendMessage(context.Background(), w.sessions.GetOrCreate(), last); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("message_id", last.ID).Msg("failed to persist message to transcript cache")
	}
}

// streamHandler wires transport events into the message log. It must never
// take the widget mutex: callbacks run while the handle's dispatch lock is
// held, and the widget cancels handles under its own lock.
type streamHandler struct {
	sessionID   string
	messageID   string
	history     *messagelog.Log
	transcripts chatstore.TranscriptStore
	bus         *eventbus.Bus
}

var _ transport.EventHandler = (*streamHandler)(nil)

func (h *streamHandler) OnStart() {
	log.Debug().Str("component", "widget").Str("message_id", h.messageID).Msg("assistant stream started")
	h.publish(events.NewStartEvent(h.sessionID, h.messageID))
}

func (h *streamHandler) OnChunk(fragment string) {
	h.history.AppendChunk(h.messageID, fragment)
	completion := ""
	if msg, ok := h.history.Get(h.messageID); ok {
		completion = msg.Content
	}
	h.publish(events.NewDeltaEvent(h.sessionID, h.messageID, fragment, completion))
}

func (h *streamHandler) OnComplete() {
	if err := h.history.Finalize(h.messageID, messagelog.StatusComplete); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("message_id", h.messageID).Msg("failed to finalize completed stream")
		return
	}
	msg, _ := h.history.Get(h.messageID)
	h.persist(msg)
	h.publish(events.NewFinalEvent(h.sessionID, h.messageID, msg.Content))
}

func (h *streamHandler) OnError(kind events.ErrorKind, message string) {
	log.Warn().Str("component", "widget").Str("message_id", h.messageID).Str("kind", string(kind)).Str("error", message).Msg("assistant stream failed")
	if err := h.history.Finalize(h.messageID, messagelog.StatusFailed); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("message_id", h.messageID).Msg("failed to finalize failed stream")
		return
	}
	msg, _ := h.history.Get(h.messageID)
	h.persist(msg)
	h.publish(events.NewErrorEvent(h.sessionID, h.messageID, kind, message))
}

func (h *streamHandler) persist(msg messagelog.Message) {
	if h.transcripts == nil || msg.ID == "" {
		return
	}
	if err := h.transcripts.AppendMessage(context.Background(), h.sessionID, msg); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("message_id", msg.ID).Msg("failed to persist assistant message")
	}
}

func (h *streamHandler) publish(e events.Event) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(h.sessionID, e); err != nil {
		log.Warn().Err(err).Str("component", "widget").Msg("failed to publish stream event")
	}
}
