// Package ratelimit decides whether an AI-agent invocation may proceed.
//
// The OSS distribution ships an in-memory fixed-window limiter
// (MemoryLimiter). Multi-instance deployments substitute the Redis-backed
// implementation for cross-instance coordination; the Limiter interface is
// the contract. Over-limit is a normal outcome communicated via Decision,
// never an error: callers turn Allowed=false into a user-facing message
// with the retry-after hint.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/maestro-crm/maestro/internal/model"
)

// Rule is the numeric policy for one window: at most Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long the caller must wait before the window resets.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the retry hint in whole seconds, rounded up,
// never less than 1 for a denied decision.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter decides whether a request identified by (user, role, agent) should
// be allowed. Implementations must be safe for concurrent use and must use
// an atomic check-and-increment: two simultaneous requests must not both be
// told "allowed" when only one slot remains.
type Limiter interface {
	// Check consumes one slot for the caller if available. Over-limit is
	// reported in the Decision, not as an error. Implementations that can
	// malfunction (e.g. Redis down) fail open and log rather than blocking
	// traffic.
	Check(ctx context.Context, userID string, role model.Role, agentID string) Decision

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Policy maps roles (and optionally specific agents) to rules.
type Policy struct {
	Roles map[model.Role]Rule
	// AgentOverrides beats the role rule for the named agent id.
	AgentOverrides map[string]Rule
}

// DefaultPolicy is the shipped per-minute policy. Admins are effectively
// uncapped for interactive use; students are held well below teacher
// volume; anonymous callers get a trickle. Unknown roles are treated as
// anonymous.
func DefaultPolicy() Policy {
	return Policy{
		Roles: map[model.Role]Rule{
			model.RoleAdmin:     {Limit: 100, Window: time.Minute},
			model.RoleTeacher:   {Limit: 50, Window: time.Minute},
			model.RoleStudent:   {Limit: 20, Window: time.Minute},
			model.RoleAnonymous: {Limit: 5, Window: time.Minute},
		},
	}
}

// RuleFor resolves the rule for a (role, agent) pair.
func (p Policy) RuleFor(role model.Role, agentID string) Rule {
	if agentID != "" {
		if r, ok := p.AgentOverrides[agentID]; ok {
			return r
		}
	}
	if r, ok := p.Roles[role]; ok {
		return r
	}
	return p.Roles[model.RoleAnonymous]
}

// key builds the counter key for a (user, role, agent) triple. Role is part
// of the key so that a role change mid-window starts a fresh window under
// the new policy instead of inheriting the old count.
func key(userID string, role model.Role, agentID string) string {
	if agentID == "" {
		agentID = "global"
	}
	return fmt.Sprintf("user:%s:role:%s:agent:%s", userID, role, agentID)
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Check always allows.
func (NoopLimiter) Check(context.Context, string, model.Role, string) Decision {
	return Decision{Allowed: true}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
