package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/maestro-crm/maestro/internal/model"
)

// window is the counter state for one rate-limit key.
type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter implements Limiter with an in-memory fixed window per key.
//
// The count check and increment happen under one mutex hold, so concurrent
// requests for the same key cannot both claim the last slot. A background
// goroutine evicts expired entries every minute to bound memory.
type MemoryLimiter struct {
	policy Policy

	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a fixed-window limiter with the given policy.
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	m := &MemoryLimiter{
		policy:  policy,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Check consumes one slot for the caller's current window.
func (m *MemoryLimiter) Check(_ context.Context, userID string, role model.Role, agentID string) Decision {
	rule := m.policy.RuleFor(role, agentID)
	k := key(userID, role, agentID)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[k] = w
	}

	if w.count >= rule.Limit {
		return Decision{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetAt:    w.resetAt,
			RetryAfter: w.resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Reset clears the counters for one user, or for one (user, agent) pair if
// agentID is non-empty. Safe to call for keys that do not exist. Intended
// for admin tooling and tests.
func (m *MemoryLimiter) Reset(userID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, role := range []model.Role{model.RoleAdmin, model.RoleTeacher, model.RoleStudent, model.RoleAnonymous} {
		if agentID != "" {
			delete(m.windows, key(userID, role, agentID))
			continue
		}
		prefix := "user:" + userID + ":role:" + string(role) + ":"
		for k := range m.windows {
			if strings.HasPrefix(k, prefix) {
				delete(m.windows, k)
			}
		}
	}
}

// Clear drops all counters. Intended for tests.
func (m *MemoryLimiter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*window)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// cleanup periodically evicts windows whose reset time has passed.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryLimiter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}
