package agent

import (
	"sync"
	"time"
)

// RateLimiter tracks agents temporarily excluded from scheduling, typically
// because an upstream provider throttled them. Entries expire on their own;
// nothing here is persisted.
type RateLimiter struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{until: make(map[string]time.Time)}
}

// Limit excludes an agent from scheduling for the given duration. A second
// call extends or shortens the window.
func (r *RateLimiter) Limit(agentID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.until[agentID] = time.Now().Add(d)
}

// Clear removes an agent's exclusion.
func (r *RateLimiter) Clear(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.until, agentID)
}

// IsLimited reports whether an agent is currently excluded. Expired entries
// are removed on the way out.
func (r *RateLimiter) IsLimited(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.until[agentID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(r.until, agentID)
		return false
	}
	return true
}

// Limited returns the agents currently excluded.
func (r *RateLimiter) Limited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(r.until))
	for id, deadline := range r.until {
		if now.After(deadline) {
			delete(r.until, id)
			continue
		}
		out = append(out, id)
	}
	return out
}
