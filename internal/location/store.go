// Package location tracks where registered users can currently be reached.
// Bindings live in memory only; a restart loses them and endpoints re-register.
package location

import (
	"log/slog"
	"sync"
	"time"
)

// Binding associates an address-of-record user with the network location
// a REGISTER was accepted from.
type Binding struct {
	User         string // AoR user part, e.g. "alice"
	ContactURI   string // Contact URI after any NAT correction
	SourceHost   string // IP the REGISTER arrived from
	SourcePort   int
	Transport    string // udp or tcp
	NATRewritten bool   // Contact was rewritten to the observed source
	UserAgent    string
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the binding has passed its expiry.
func (b *Binding) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// Store is an in-memory registration binding store. Each user holds at most
// one binding; a newer REGISTER supersedes the previous location.
type Store struct {
	logger *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewStore creates an empty binding store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger:   logger.With("component", "location"),
		bindings: make(map[string]*Binding),
	}
}

// Upsert installs or replaces the binding for its user.
func (s *Store) Upsert(b *Binding) {
	s.mu.Lock()
	_, replaced := s.bindings[b.User]
	s.bindings[b.User] = b
	s.mu.Unlock()
	s.logger.Debug("binding stored",
		"user", b.User, "contact", b.ContactURI, "replaced", replaced)
}

// Remove deletes the binding for user, reporting whether one existed.
func (s *Store) Remove(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[user]; !ok {
		return false
	}
	delete(s.bindings, user)
	return true
}

// Lookup returns the current binding for user. Expired bindings are treated
// as absent and removed lazily.
func (s *Store) Lookup(user string) (*Binding, bool) {
	s.mu.RLock()
	b, ok := s.bindings[user]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if b.Expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock; a fresh REGISTER may have raced us.
		if cur, ok := s.bindings[user]; ok && cur == b {
			delete(s.bindings, user)
			s.logger.Debug("expired binding dropped on lookup", "user", user)
		}
		s.mu.Unlock()
		return nil, false
	}
	return b, true
}

// Count returns the number of bindings currently stored, including any that
// expired but have not yet been swept.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

// Sweep removes every binding expired as of now and returns how many.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for user, b := range s.bindings {
		if b.Expired(now) {
			delete(s.bindings, user)
			removed++
		}
	}
	return removed
}
