// Package knowledge implements the shared-knowledge store: vote-merged
// key/value observations with confidence and TTL, consensus voting, and
// pattern learning from worker experiences.
package knowledge

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/kv"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Config holds the store's tunables.
type Config struct {
	// MaxKnowledge caps the number of stored entries. Zero means 1000.
	MaxKnowledge int
	// ConsensusThreshold is the fraction of active workers whose votes
	// finalize a session. Zero means 0.66.
	ConsensusThreshold float64
	// DefaultTTL applies to entries shared without an explicit TTL.
	// Zero means no expiry.
	DefaultTTL time.Duration
	// Persist mirrors entries into a KV store under knowledge:<key>.
	// Optional.
	Persist kv.Store
}

// Store is the shared-knowledge store. All operations are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*models.KnowledgeEntry
	sessions map[string]*models.ConsensusSession
	patterns map[string]*models.Pattern
	workers  map[string]bool
	now      func() time.Time
}

// NewStore creates an empty knowledge store.
func NewStore(cfg Config) *Store {
	if cfg.MaxKnowledge <= 0 {
		cfg.MaxKnowledge = 1000
	}
	if cfg.ConsensusThreshold <= 0 || cfg.ConsensusThreshold > 1 {
		cfg.ConsensusThreshold = 0.66
	}
	return &Store{
		cfg:      cfg,
		entries:  make(map[string]*models.KnowledgeEntry),
		sessions: make(map[string]*models.ConsensusSession),
		patterns: make(map[string]*models.Pattern),
		workers:  make(map[string]bool),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// RegisterWorker adds a worker to the active set and recomputes every
// entry's confidence against the new denominator.
func (s *Store) RegisterWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = true
	s.recomputeConfidencesLocked()
}

// UnregisterWorker removes a worker from the active set, withdraws its vote
// from every entry and every open session, and recomputes confidences.
func (s *Store) UnregisterWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workers, workerID)
	for _, e := range s.entries {
		for i, v := range e.Votes {
			if v == workerID {
				e.Votes = append(e.Votes[:i], e.Votes[i+1:]...)
				break
			}
		}
	}
	for _, sess := range s.sessions {
		if sess.Status == models.ConsensusPending {
			delete(sess.Votes, workerID)
		}
	}
	s.recomputeConfidencesLocked()
}

// ActiveWorkers returns the number of registered workers.
func (s *Store) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// recomputeConfidencesLocked applies confidence = |votes| / max(1, |active|)
// to every entry. Caller must hold s.mu.
func (s *Store) recomputeConfidencesLocked() {
	denom := len(s.workers)
	if denom < 1 {
		denom = 1
	}
	for _, e := range s.entries {
		e.Confidence = float64(len(e.Votes)) / float64(denom)
	}
}

// Share publishes an observation. A new key creates an entry voted for by
// the sharing worker. An existing key gains the worker's vote; the incoming
// value replaces the stored one only when the incoming confidence strictly
// exceeds the stored confidence.
func (s *Store) Share(workerID, key string, value interface{}, confidence float64, ttl time.Duration) error {
	if key == "" {
		return models.E(models.KindInvalidArgument, "empty knowledge key")
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	s.mu.Lock()
	now := s.now()
	e, ok := s.entries[key]
	if ok && e.Expired(now) {
		delete(s.entries, key)
		ok = false
	}
	if !ok {
		e = &models.KnowledgeEntry{
			Key:            key,
			Value:          value,
			AuthorWorkerID: workerID,
			CreatedAt:      now,
			TTL:            ttl,
			Votes:          []string{workerID},
		}
		s.entries[key] = e
	} else {
		voted := false
		for _, v := range e.Votes {
			if v == workerID {
				voted = true
				break
			}
		}
		if !voted {
			e.Votes = append(e.Votes, workerID)
		}
		if confidence > e.Confidence {
			e.Value = value
			e.AuthorWorkerID = workerID
			e.CreatedAt = now
			if ttl > 0 {
				e.TTL = ttl
			}
		}
	}
	s.recomputeConfidencesLocked()
	s.evictLocked()

	_, survived := s.entries[key]
	persisted := *e
	s.mu.Unlock()

	if survived {
		s.persist(&persisted)
	}
	return nil
}

// Get returns the value for key if present and not expired. Expired entries
// are removed on access.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()

	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.Expired(s.now()) {
		delete(s.entries, key)
		s.mu.Unlock()
		s.unpersist(key)
		return nil, false
	}
	val := e.Value
	s.mu.Unlock()
	return val, true
}

// GetEntry returns a copy of the full entry for key, if live.
func (s *Store) GetEntry(key string) (models.KnowledgeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.Expired(s.now()) {
		return models.KnowledgeEntry{}, false
	}
	out := *e
	out.Votes = append([]string(nil), e.Votes...)
	return out, true
}

// Search returns copies of live entries whose key contains the pattern,
// sorted by key.
func (s *Store) Search(pattern string) []models.KnowledgeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []models.KnowledgeEntry
	for key, e := range s.entries {
		if e.Expired(now) {
			continue
		}
		if pattern == "" || strings.Contains(key, pattern) {
			c := *e
			c.Votes = append([]string(nil), e.Votes...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of stored entries, including not-yet-swept
// expired ones.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked removes the lowest-confidence entries (oldest first within a
// tie) until the store fits MaxKnowledge. Caller must hold s.mu.
func (s *Store) evictLocked() {
	if len(s.entries) <= s.cfg.MaxKnowledge {
		return
	}
	type cand struct {
		key        string
		confidence float64
		createdAt  time.Time
	}
	cands := make([]cand, 0, len(s.entries))
	for k, e := range s.entries {
		cands = append(cands, cand{key: k, confidence: e.Confidence, createdAt: e.CreatedAt})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].confidence != cands[j].confidence {
			return cands[i].confidence < cands[j].confidence
		}
		return cands[i].createdAt.Before(cands[j].createdAt)
	})
	for _, c := range cands {
		if len(s.entries) <= s.cfg.MaxKnowledge {
			break
		}
		delete(s.entries, c.key)
		go s.unpersist(c.key)
	}
}

// Sweep removes TTL-expired entries and finalizes past-deadline sessions.
// Returns the number of entries removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var expired []string
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			expired = append(expired, k)
		}
	}
	for _, sess := range s.sessions {
		if sess.Status == models.ConsensusPending && now.After(sess.Deadline) {
			s.finalizeLocked(sess, models.ConsensusTimeout)
		}
	}
	s.mu.Unlock()

	for _, k := range expired {
		s.unpersist(k)
	}
	return len(expired)
}

// persist mirrors an entry into the configured KV store.
func (s *Store) persist(e *models.KnowledgeEntry) {
	if s.cfg.Persist == nil {
		return
	}
	data, err := kv.Encode(e)
	if err != nil {
		log.Printf("[knowledge] encode entry %s: %v", e.Key, err)
		return
	}
	if err := s.cfg.Persist.Set(kv.KnowledgePrefix+e.Key, data, e.TTL); err != nil {
		log.Printf("[knowledge] persist entry %s: %v", e.Key, err)
	}
}

// unpersist removes an entry's mirror from the configured KV store.
func (s *Store) unpersist(key string) {
	if s.cfg.Persist == nil {
		return
	}
	if err := s.cfg.Persist.Delete(kv.KnowledgePrefix + key); err != nil {
		log.Printf("[knowledge] unpersist entry %s: %v", key, err)
	}
}

// Load restores persisted entries from the configured KV store. Expired
// mirrors are skipped.
func (s *Store) Load() error {
	if s.cfg.Persist == nil {
		return nil
	}
	keys, err := s.cfg.Persist.Keys()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range keys {
		if !strings.HasPrefix(k, kv.KnowledgePrefix) {
			continue
		}
		data, ok, err := s.cfg.Persist.Get(k)
		if err != nil || !ok {
			continue
		}
		var e models.KnowledgeEntry
		if err := kv.Decode(data, &e); err != nil {
			log.Printf("[knowledge] decode %s: %v", k, err)
			continue
		}
		if e.Expired(now) {
			continue
		}
		s.entries[e.Key] = &e
	}
	s.recomputeConfidencesLocked()
	return nil
}

// newID returns a short unique identifier.
func newID() string {
	return uuid.New().String()[:8]
}
