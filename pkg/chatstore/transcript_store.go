package chatstore

import (
	"context"
	"sync"

	"github.com/go-go-golems/jiminy/pkg/messagelog"
)

// TranscriptStore caches finalized conversation messages on the client side
// so a reloaded host can render history without waiting for the backend.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, sessionID string, msg messagelog.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]messagelog.Message, error)
	Close() error
}

// MemoryTranscriptStore is the in-process implementation used in tests and
// hosts without a writable state directory.
type MemoryTranscriptStore struct {
	mu       sync.Mutex
	messages map[string][]messagelog.Message
}

var _ TranscriptStore = (*MemoryTranscriptStore)(nil)

func NewMemoryTranscriptStore() *MemoryTranscriptStore {
	return &MemoryTranscriptStore{messages: map[string][]messagelog.Message{}}
}

func (s *MemoryTranscriptStore) AppendMessage(_ context.Context, sessionID string, msg messagelog.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

func (s *MemoryTranscriptStore) ListMessages(_ context.Context, sessionID string) ([]messagelog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.messages[sessionID]
	out := make([]messagelog.Message, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryTranscriptStore) Close() error { return nil }
