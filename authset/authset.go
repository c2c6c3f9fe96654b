// Package authset tracks which client IPs have completed captive-portal
// sign-in. It is written rarely (once per login) and read on every DNS
// query, so a single RWMutex is sufficient.
package authset

import (
	"sync"
	"time"

	"github.com/satori/uuid"
)

// entry records the session id issued when an IP was authorized and, if
// session timeouts are enabled, when that authorization lapses.
type entry struct {
	sessionID string
	expiresAt *time.Time // nil means never expires
}

// Set is the per-IP authorization set.
type Set struct {
	mu      sync.RWMutex
	entries map[string]entry
	timeout time.Duration // 0 disables expiry
}

// New returns an empty authorization set. A non-zero timeout causes
// Authorize entries to lapse after that long, per
// captive_portal.session_timeout_seconds.
func New(timeout time.Duration) *Set {
	return &Set{
		entries: make(map[string]entry),
		timeout: timeout,
	}
}

// Authorize marks ip as authenticated, returning a session id for audit
// logging. Calling it again for the same IP simply resets its session
// clock (authorize_ip(x); authorize_ip(x) is equivalent to one call).
func (s *Set) Authorize(ip string) string {
	id := ""
	if u, err := uuid.NewV4(); err == nil {
		id = u.String()
	}

	var exp *time.Time
	if s.timeout > 0 {
		t := time.Now().Add(s.timeout)
		exp = &t
	}

	s.mu.Lock()
	s.entries[ip] = entry{sessionID: id, expiresAt: exp}
	s.mu.Unlock()

	return id
}

// Contains reports whether ip is currently authorized. An expired entry
// is treated as absent and is lazily dropped.
func (s *Set) Contains(ip string) bool {
	s.mu.RLock()
	e, ok := s.entries[ip]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if e.expiresAt != nil && e.expiresAt.Before(time.Now()) {
		s.mu.Lock()
		delete(s.entries, ip)
		s.mu.Unlock()
		return false
	}
	return true
}

// SetTimeout updates the session timeout used for future Authorize
// calls; it does not retroactively change already-authorized entries.
func (s *Set) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()
}
