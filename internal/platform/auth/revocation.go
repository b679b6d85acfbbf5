package auth

import (
	"sync"
	"time"
)

// TokenRevocationStore rejects single tokens by jti and every token of a user
// issued before a cutoff. Entries drop once the tokens they cover expire.
type TokenRevocationStore struct {
	mu      sync.RWMutex
	tokens  map[string]time.Time // jti -> token expiry
	cutoffs map[string]cutoff    // user id -> issued-before cutoff
	maxTTL  time.Duration
	now     func() time.Time
	done    chan struct{}
}

type cutoff struct {
	before  time.Time
	expires time.Time
}

// NewTokenRevocationStore starts a goroutine that drops expired entries every
// five minutes. maxTTL is the longest lifetime of an issued token.
func NewTokenRevocationStore(maxTTL time.Duration) *TokenRevocationStore {
	s := &TokenRevocationStore{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]cutoff),
		maxTTL:  maxTTL,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Revoke rejects the token with jti until expiresAt.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[jti] = expiresAt
}

// RevokeUser rejects every token of userID issued up to now.
func (s *TokenRevocationStore) RevokeUser(userID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs[userID] = cutoff{before: now, expires: now.Add(s.maxTTL)}
}

// IsRevoked checks the claims of a validated token.
func (s *TokenRevocationStore) IsRevoked(claims *Claims) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if claims.ID != "" {
		if _, ok := s.tokens[claims.ID]; ok {
			return true
		}
	}
	c, ok := s.cutoffs[claims.Subject]
	if !ok {
		return false
	}
	// Tokens without iat can't be placed before or after the cutoff.
	return claims.IssuedAt == nil || !claims.IssuedAt.Time.After(c.before)
}

// RevocationInfo describes one entry.
type RevocationInfo struct {
	JTI       string    `json:"jti,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Entries returns a snapshot of all entries.
func (s *TokenRevocationStore) Entries() []RevocationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RevocationInfo, 0, len(s.tokens)+len(s.cutoffs))
	for jti, exp := range s.tokens {
		out = append(out, RevocationInfo{JTI: jti, ExpiresAt: exp})
	}
	for user, c := range s.cutoffs {
		out = append(out, RevocationInfo{UserID: user, ExpiresAt: c.expires})
	}
	return out
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens) + len(s.cutoffs)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *TokenRevocationStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TokenRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, jti)
		}
	}
	for user, c := range s.cutoffs {
		if now.After(c.expires) {
			delete(s.cutoffs, user)
		}
	}
}
