package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// InMemoryStore keeps sessions and dedup records in process memory. Sessions
// are cloned on the way in and out so callers never share collected data.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	inbound  map[string]*DedupRecord
	ttl      time.Duration
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		inbound:  make(map[string]*DedupRecord),
		ttl:      cfg.DedupTTL,
	}
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	if err := requireID(sess.ID); err != nil {
		return err
	}
	touch(sess)
	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()
	slog.Debug("InMemoryStore SaveSession succeeded", "id", sess.ID, "flowID", sess.CurrentFlowID, "state", sess.CurrentState)
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(identity, messageID)
	if rec, ok := s.inbound[key]; ok && time.Since(rec.ReceivedAt) < s.ttl {
		return false, nil
	}
	s.inbound[key] = &DedupRecord{Key: key, MessageID: messageID, Identity: identity, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) GetInbound(_ context.Context, messageID, identity string) (*DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.inbound[dedupKey(identity, messageID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID, identity string, resp models.OutboundResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[dedupKey(identity, messageID)]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	rec.Response = &resp
	return nil
}

func (s *InMemoryStore) ForgetInbound(_ context.Context, messageID, identity string) error {
	s.mu.Lock()
	delete(s.inbound, dedupKey(identity, messageID))
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) PurgeInbound(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, key)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
