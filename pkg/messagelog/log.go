package messagelog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDuplicateID guards against replaying an already-appended message,
	// e.g. from a retried network call.
	ErrDuplicateID = errors.New("duplicate message id")
	// ErrStreamAlreadyActive enforces the at-most-one streaming message
	// invariant.
	ErrStreamAlreadyActive = errors.New("another message is already streaming")
	// ErrUnknownMessage is returned when finalizing an id the log never saw.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrMessageFinal is returned when finalizing an already-final message.
	ErrMessageFinal = errors.New("message already finalized")
)

// Log owns the ordered, append-only conversation history plus the single
// in-progress streaming message. All mutation goes through its methods;
// snapshots hand out copies only.
type Log struct {
	mu          sync.Mutex
	messages    []Message
	byID        map[string]int
	streamingID string
}

func New() *Log {
	return &Log{byID: map[string]int{}}
}

// Append inserts a finalized-or-pending message at the end of the history.
func (l *Log) Append(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := l.byID[msg.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "message %s", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Status == "" {
		msg.Status = StatusComplete
	}

	l.byID[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	return nil
}

// BeginStreaming opens the single in-progress message with empty content
// and returns its id.
func (l *Log) BeginStreaming(role Role) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID != "" {
		return "", errors.Wrapf(ErrStreamAlreadyActive, "message %s", l.streamingID)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Status:    StatusStreaming,
		CreatedAt: time.Now(),
	}
	l.byID[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	l.streamingID = msg.ID
	return msg.ID, nil
}

// AppendChunk grows the streaming message's content. Chunks addressed to a
// message that is no longer streaming are stale (late delivery after cancel
// or finalize) and are dropped with a warning.
func (l *Log) AppendChunk(id string, fragment string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok || l.messages[idx].Status != StatusStreaming {
		log.Warn().Str("component", "messagelog").Str("message_id", id).Msg("dropping chunk for non-streaming message")
		return
	}
	l.messages[idx].Content += fragment
}

// Finalize freezes the named message as complete or failed. Accumulated
// partial content is kept as-is.
func (l *Log) Finalize(id string, status Status) error {
	if status != StatusComplete && status != StatusFailed {
		return errors.Errorf("invalid final status %q", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok {
		return errors.Wrapf(ErrUnknownMessage, "message %s", id)
	}
	if l.messages[idx].Final() {
		return errors.Wrapf(ErrMessageFinal, "message %s", id)
	}

	l.messages[idx].Status = status
	if l.streamingID == id {
		l.streamingID = ""
	}
	return nil
}

// Get returns a copy of the named message.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[idx], true
}

// DropStreaming removes the in-progress message from the history entirely.
// Used when a new user message supersedes an unfinished assistant turn; the
// superseded turn contributes nothing to the history.
func (l *Log) DropStreaming() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID == "" {
		return "", false
	}
	id := l.streamingID
	idx := l.byID[id]
	l.messages = append(l.messages[:idx], l.messages[idx+1:]...)
	delete(l.byID, id)
	for i := idx; i < len(l.messages); i++ {
		l.byID[l.messages[i].ID] = i
	}
	l.streamingID = ""
	return id, true
}

// StreamingID returns the id of the in-progress message, if any.
func (l *Log) StreamingID() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamingID, l.streamingID != ""
}

// Snapshot returns a copy of the history for rendering. Mutating the
// returned slice cannot corrupt the log.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages in the history.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
