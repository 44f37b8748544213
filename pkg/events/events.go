package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventType discriminates the wire envelope for streaming events.
type EventType string

const (
	EventTypeStart EventType = "start"
	EventTypeDelta EventType = "delta"
	EventTypeFinal EventType = "final"
	EventTypeError EventType = "error"
)

// ErrorKind classifies terminal stream failures.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindStreamInterrupted ErrorKind = "stream-interrupted"
	ErrorKindConnectionRefused ErrorKind = "connection-refused"
	ErrorKindCanceled          ErrorKind = "canceled"
	ErrorKindBackend           ErrorKind = "backend"
)

// EventMetadata travels with every event and ties it to one assistant turn.
type EventMetadata struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Time      time.Time `json:"time"`
}

// Event is one lifecycle event of a streaming assistant response.
type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }

// EventStart opens a stream. Exactly one per handle, before any delta.
type EventStart struct {
	EventImpl
}

// EventDelta carries one content fragment plus the cumulative text so far,
// so consumers that missed earlier frames can resynchronize.
type EventDelta struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion,omitempty"`
}

// EventFinal closes a stream successfully with the full assistant text.
type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

// EventError closes a stream with a terminal failure.
type EventError struct {
	EventImpl
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func newMetadata(sessionID string, messageID string) EventMetadata {
	return EventMetadata{
		ID:        uuid.New(),
		SessionID: sessionID,
		MessageID: messageID,
		Time:      time.Now(),
	}
}

func NewStartEvent(sessionID string, messageID string) *EventStart {
	return &EventStart{EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: newMetadata(sessionID, messageID)}}
}

func NewDeltaEvent(sessionID string, messageID string, delta string, completion string) *EventDelta {
	return &EventDelta{
		EventImpl: EventImpl{Type_: EventTypeDelta, Metadata_: newMetadata(sessionID, messageID)},
		Delta:     delta, Completion: completion,
	}
}

func NewFinalEvent(sessionID string, messageID string, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: newMetadata(sessionID, messageID)},
		Text:      text,
	}
}

func NewErrorEvent(sessionID string, messageID string, kind ErrorKind, message string) *EventError {
	return &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: newMetadata(sessionID, messageID)},
		Kind:      kind, Message: message,
	}
}

// NewEventFromJSON decodes a wire envelope into its concrete event type.
func NewEventFromJSON(b []byte) (Event, error) {
	var probe EventImpl
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to decode event envelope")
	}

	switch probe.Type_ {
	case EventTypeStart:
		ret := &EventStart{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		return ret, nil
	case EventTypeDelta:
		ret := &EventDelta{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		return ret, nil
	case EventTypeFinal:
		ret := &EventFinal{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		return ret, nil
	case EventTypeError:
		ret := &EventError{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, err
		}
		return ret, nil
	}

	return nil, errors.Errorf("unknown event type %q", probe.Type_)
}

// MarshalEvent encodes an event for the wire.
func MarshalEvent(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s event", e.Type())
	}
	return b, nil
}
