package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	keySessionID  = "chat-session-id"
	keyWidgetSeen = "chat-widget-seen"
)

// Store owns the durable session identity of one widget instance. The id is
// created once, persisted through the injected Storage, and never changes
// for the lifetime of the stored value. When storage fails the store
// degrades to an in-memory id scoped to this process.
type Store struct {
	mu       sync.Mutex
	storage  Storage
	id       string
	seen     bool
	degraded bool
}

func NewStore(storage Storage) *Store {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Store{storage: storage}
}

// GetOrCreate returns the persisted session id, creating and persisting a
// fresh one on first use. Repeated calls always return the same id.
func (s *Store) GetOrCreate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked()
}

func (s *Store) getOrCreateLocked() string {
	if s.id != "" {
		return s.id
	}

	stored, ok, err := s.storage.Get(keySessionID)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("storage read failed; using in-memory session id")
		s.degraded = true
	}
	if ok && stored != "" {
		s.id = stored
		s.loadSeenLocked()
		return s.id
	}

	s.id = uuid.NewString()
	s.seen = false
	if !s.degraded {
		if err := s.storage.Set(keySessionID, s.id); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("storage write failed; session id will not survive reload")
			s.degraded = true
		}
	}
	log.Debug().Str("component", "session").Str("session_id", s.id).Bool("degraded", s.degraded).Msg("created session")
	return s.id
}

// Load adopts an externally supplied session id (e.g. recovered from a
// shared link), overriding and persisting over any stored id. An empty
// explicit id falls back to GetOrCreate.
func (s *Store) Load(explicitID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if explicitID == "" {
		return s.getOrCreateLocked()
	}

	s.id = explicitID
	if err := s.storage.Set(keySessionID, explicitID); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("storage write failed; adopted session id will not survive reload")
		s.degraded = true
	}
	s.loadSeenLocked()
	log.Debug().Str("component", "session").Str("session_id", explicitID).Msg("adopted external session")
	return s.id
}

func (s *Store) loadSeenLocked() {
	v, ok, err := s.storage.Get(keyWidgetSeen)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("storage read failed for seen flag")
		return
	}
	s.seen = ok && v == "true"
}

// MarkSeen latches the "widget was opened once" flag. One-way; idempotent.
func (s *Store) MarkSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen {
		return
	}
	s.seen = true
	if err := s.storage.Set(keyWidgetSeen, "true"); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("storage write failed for seen flag")
	}
}

func (s *Store) Seen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Degraded reports whether the store fell back to in-memory identity.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}
