package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maestro-crm/maestro/internal/model"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestDefaultPolicyHierarchy(t *testing.T) {
	p := DefaultPolicy()

	admin := p.Roles[model.RoleAdmin]
	teacher := p.Roles[model.RoleTeacher]
	student := p.Roles[model.RoleStudent]
	anon := p.Roles[model.RoleAnonymous]

	if admin.Limit != 100 || teacher.Limit != 50 || student.Limit != 20 || anon.Limit != 5 {
		t.Fatalf("unexpected limits: admin=%d teacher=%d student=%d anonymous=%d",
			admin.Limit, teacher.Limit, student.Limit, anon.Limit)
	}
	for role, rule := range p.Roles {
		if rule.Window != time.Minute {
			t.Fatalf("role %s window = %s, want 1m", role, rule.Window)
		}
	}
	if !(admin.Limit > teacher.Limit && teacher.Limit > student.Limit && student.Limit > anon.Limit) {
		t.Fatal("limit hierarchy admin > teacher > student > anonymous violated")
	}
}

func TestPolicyUnknownRoleFallsBackToAnonymous(t *testing.T) {
	p := DefaultPolicy()
	rule := p.RuleFor(model.Role("superuser"), "")
	if rule.Limit != p.Roles[model.RoleAnonymous].Limit {
		t.Fatalf("unknown role rule limit = %d, want anonymous limit %d",
			rule.Limit, p.Roles[model.RoleAnonymous].Limit)
	}
}

func TestMemoryLimiterFirstRequest(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	d := m.Check(context.Background(), "user-1", model.RoleAdmin, "")
	if !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	if d.Remaining != 99 {
		t.Fatalf("remaining = %d, want 99", d.Remaining)
	}
	if d.RetryAfter != 0 {
		t.Fatalf("RetryAfter = %s, want 0 for allowed decision", d.RetryAfter)
	}
}

func TestMemoryLimiterCountsDown(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i, want := range []int{19, 18, 17} {
		d := m.Check(ctx, "user-2", model.RoleStudent, "")
		if d.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}
}

func TestMemoryLimiterDeniesOverLimit(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d := m.Check(ctx, "user-3", model.RoleAnonymous, "")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := m.Check(ctx, "user-3", model.RoleAnonymous, "")
	if d.Allowed {
		t.Fatal("6th anonymous request should be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	if s := d.RetryAfterSeconds(); s < 1 || s > 60 {
		t.Fatalf("RetryAfterSeconds = %d, want within (0, 60]", s)
	}
	if !d.ResetAt.After(time.Now()) {
		t.Fatal("ResetAt should be in the future")
	}
}

func TestMemoryLimiterIndependentUsers(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Check(ctx, "user-A", model.RoleAnonymous, "")
	}

	d := m.Check(ctx, "user-B", model.RoleAnonymous, "")
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("user-B should be unaffected: allowed=%v remaining=%d", d.Allowed, d.Remaining)
	}
}

func TestMemoryLimiterPerAgentWindows(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	d1 := m.Check(ctx, "user-5", model.RoleAnonymous, "agent-1")
	d2 := m.Check(ctx, "user-5", model.RoleAnonymous, "agent-2")
	d3 := m.Check(ctx, "user-5", model.RoleAnonymous, "agent-1")

	if d1.Remaining != 4 || d2.Remaining != 4 || d3.Remaining != 3 {
		t.Fatalf("per-agent counts wrong: %d %d %d, want 4 4 3", d1.Remaining, d2.Remaining, d3.Remaining)
	}
}

func TestMemoryLimiterWindowExpiry(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Check(ctx, "user-6", model.RoleAnonymous, "")
	}
	if d := m.Check(ctx, "user-6", model.RoleAnonymous, ""); d.Allowed {
		t.Fatal("should be denied at limit")
	}

	// Backdate the window instead of sleeping through a real minute.
	m.mu.Lock()
	m.windows[key("user-6", model.RoleAnonymous, "")].resetAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	d := m.Check(ctx, "user-6", model.RoleAnonymous, "")
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("after window expiry: allowed=%v remaining=%d, want true 4", d.Allowed, d.Remaining)
	}
}

func TestMemoryLimiterAgentOverride(t *testing.T) {
	p := DefaultPolicy()
	p.AgentOverrides = map[string]Rule{
		"admin-dashboard-insights": {Limit: 2, Window: time.Minute},
	}
	m := NewMemoryLimiter(p)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if d := m.Check(ctx, "user-7", model.RoleAdmin, "admin-dashboard-insights"); !d.Allowed {
			t.Fatalf("request %d should be allowed under override", i+1)
		}
	}
	if d := m.Check(ctx, "user-7", model.RoleAdmin, "admin-dashboard-insights"); d.Allowed {
		t.Fatal("override limit of 2 should deny the 3rd request")
	}
	// Other agents still follow the admin role rule.
	if d := m.Check(ctx, "user-7", model.RoleAdmin, "chat-assistant"); !d.Allowed || d.Remaining != 99 {
		t.Fatalf("non-overridden agent: allowed=%v remaining=%d", d.Allowed, d.Remaining)
	}
}

func TestMemoryLimiterReset(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.Check(ctx, "user-8", model.RoleAnonymous, "agent-1")
	}
	m.Check(ctx, "user-8", model.RoleAnonymous, "agent-2")

	m.Reset("user-8", "agent-1")

	if d := m.Check(ctx, "user-8", model.RoleAnonymous, "agent-1"); d.Remaining != 4 {
		t.Fatalf("agent-1 after reset: remaining = %d, want 4", d.Remaining)
	}
	if d := m.Check(ctx, "user-8", model.RoleAnonymous, "agent-2"); d.Remaining != 3 {
		t.Fatalf("agent-2 should keep its count: remaining = %d, want 3", d.Remaining)
	}

	// Resetting entries that do not exist must not panic.
	m.Reset("no-such-user", "")
	m.Reset("no-such-user", "agent-x")
}

func TestMemoryLimiterClear(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	m.Check(ctx, "user-9", model.RoleAdmin, "")
	m.Check(ctx, "user-10", model.RoleStudent, "agent-1")

	m.Clear()

	if d := m.Check(ctx, "user-9", model.RoleAdmin, ""); d.Remaining != 99 {
		t.Fatalf("after clear: remaining = %d, want 99", d.Remaining)
	}
}

func TestMemoryLimiterConcurrentLastSlot(t *testing.T) {
	// One slot per window: under concurrency exactly one caller may win it.
	p := Policy{Roles: map[model.Role]Rule{
		model.RoleAnonymous: {Limit: 1, Window: time.Minute},
	}}
	m := NewMemoryLimiter(p)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := m.Check(ctx, "shared", model.RoleAnonymous, ""); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("exactly one concurrent caller may claim the last slot, got %d", allowed)
	}
}

func TestMemoryLimiterEvictExpired(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	defer closeLimiter(t, m)

	ctx := context.Background()
	m.Check(ctx, "stale", model.RoleAnonymous, "")

	m.mu.Lock()
	m.windows[key("stale", model.RoleAnonymous, "")].resetAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	m.evictExpired()

	m.mu.Lock()
	_, exists := m.windows[key("stale", model.RoleAnonymous, "")]
	m.mu.Unlock()
	if exists {
		t.Fatal("expected expired window to be evicted")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(DefaultPolicy())
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if d := l.Check(ctx, "anyone", model.RoleAnonymous, "any-agent"); !d.Allowed {
			t.Fatal("NoopLimiter should always allow")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	d := Decision{Allowed: false, RetryAfter: 29100 * time.Millisecond}
	if got := d.RetryAfterSeconds(); got != 30 {
		t.Fatalf("RetryAfterSeconds = %d, want 30", got)
	}
	d = Decision{Allowed: false, RetryAfter: 3 * time.Millisecond}
	if got := d.RetryAfterSeconds(); got != 1 {
		t.Fatalf("RetryAfterSeconds = %d, want minimum 1", got)
	}
}
