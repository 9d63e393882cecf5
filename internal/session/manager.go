// Package session manages protocol-level conversation state: opaque session
// ids, idle expiry, and a hard cap with batch LRU eviction.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// Manager owns the in-memory session table. One live session per user id:
// creating a session for a user who already has a live one returns it, so
// reconnecting clients keep their conversation state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	byUser   map[string]string // user id -> session id
	ttl      time.Duration
	cap      int
	evicted  int64
	expired  int64
}

// NewManager creates a Manager with the given idle TTL and capacity.
func NewManager(ttl time.Duration, capacity int) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &Manager{
		sessions: map[string]*domain.Session{},
		byUser:   map[string]string{},
		ttl:      ttl,
		cap:      capacity,
	}
}

// Create returns the user's existing live session if one exists, otherwise it
// mints a session with a fresh uuid-v4 id. userID may be empty for anonymous
// protocol clients, who always get a new session.
func (m *Manager) Create(userID string) *domain.Session {
	now := time.Now()

	m.mu.Lock()
	if userID != "" {
		if oldID, ok := m.byUser[userID]; ok {
			if old, live := m.sessions[oldID]; live {
				if now.Sub(old.LastUsed) <= m.ttl {
					if now.After(old.LastUsed) {
						old.LastUsed = now
					}
					m.mu.Unlock()
					return old
				}
				m.removeLocked(old)
				m.expired++
			}
		}
	}

	s := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		LastUsed:  now,
	}
	if userID != "" {
		m.byUser[userID] = s.ID
	}
	if len(m.sessions) >= m.cap {
		m.evictLocked()
	}
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
	return s
}

// Get returns the live session for id, touching its LastUsed. Expired
// sessions are removed and reported as expired, unknown ids as invalid.
func (m *Manager) Get(id string) (*domain.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("op=session.Get: missing session id: %w", domain.ErrSessionInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("op=session.Get id=%s: %w", id, domain.ErrSessionInvalid)
	}
	if time.Since(s.LastUsed) > m.ttl {
		m.removeLocked(s)
		m.expired++
		return nil, fmt.Errorf("op=session.Get id=%s: %w", id, domain.ErrSessionExpired)
	}
	// LastUsed is monotonic: a touch never moves it backwards.
	if now := time.Now(); now.After(s.LastUsed) {
		s.LastUsed = now
	}
	return s, nil
}

// RecordQuery bumps the session's query counter and stores the analysis for
// follow-up grounding.
func (m *Manager) RecordQuery(id string, analysis *domain.Analysis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.QueryCount++
		if analysis != nil {
			s.LastAnalysis = analysis
		}
	}
}

// Delete removes a session. The second result reports whether it existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		m.removeLocked(s)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
	return ok
}

// Sweep drops every expired session; intended for a periodic background call.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var removed int
	for _, s := range m.sessions {
		if time.Since(s.LastUsed) > m.ttl {
			m.removeLocked(s)
			m.expired++
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	observability.SessionsActive.Set(float64(n))
	if removed > 0 {
		slog.Debug("session sweep", slog.Int("removed", removed))
	}
	return removed
}

// Stats describes the session table for the health snapshot.
type Stats struct {
	Active  int   `json:"active"`
	Cap     int   `json:"cap"`
	Evicted int64 `json:"evicted"`
	Expired int64 `json:"expired"`
}

// Snapshot returns current session statistics.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:  len(m.sessions),
		Cap:     m.cap,
		Evicted: m.evicted,
		Expired: m.expired,
	}
}

// evictLocked removes the least-recently-used 10% of sessions (at least one)
// in a single batch, so a full table does not evict on every create.
func (m *Manager) evictLocked() {
	batch := m.cap / 10
	if batch < 1 {
		batch = 1
	}
	all := make([]*domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastUsed.Before(all[j].LastUsed) })
	if batch > len(all) {
		batch = len(all)
	}
	for _, s := range all[:batch] {
		m.removeLocked(s)
	}
	m.evicted += int64(batch)
	slog.Warn("session table full; evicted least-recently-used batch",
		slog.Int("evicted", batch),
		slog.Int("cap", m.cap))
}

func (m *Manager) removeLocked(s *domain.Session) {
	delete(m.sessions, s.ID)
	if s.UserID != "" && m.byUser[s.UserID] == s.ID {
		delete(m.byUser, s.UserID)
	}
}
