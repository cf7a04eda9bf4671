package quota

import (
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(3, time.Minute)
	rl.now = clk.now

	for i := 0; i < 3; i++ {
		if !rl.Allow("@dave:example.com") {
			t.Fatalf("call %d rejected", i+1)
		}
	}
	if rl.Allow("@dave:example.com") {
		t.Fatal("fourth call should be rejected")
	}
	if rl.Remaining("@dave:example.com") != 0 {
		t.Fatal("expected no calls remaining")
	}
	if !rl.Allow("@frank:example.com") {
		t.Fatal("senders must be independent")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(2, time.Minute)
	rl.now = clk.now

	rl.Allow("s")
	clk.advance(30 * time.Second)
	rl.Allow("s")
	if rl.Allow("s") {
		t.Fatal("expected rejection inside the window")
	}

	clk.advance(31 * time.Second)
	if rl.Remaining("s") != 1 {
		t.Fatalf("expected the first call to have expired, remaining=%d", rl.Remaining("s"))
	}
	if !rl.Allow("s") {
		t.Fatal("expected a call to be allowed after the oldest expired")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Remaining("x") != DefaultRateLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultRateLimit, rl.Remaining("x"))
	}
}

func TestTokenBudget_AllowAndRecord(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := NewTokenBudget(100)
	b.now = clk.now

	if !b.Allow("s") || b.Remaining("s") != 100 {
		t.Fatal("fresh sender should have the full budget")
	}
	b.Record("s", 60)
	b.Record("s", -5)
	if b.Used("s") != 60 || b.Remaining("s") != 40 {
		t.Fatalf("unexpected usage: used=%d remaining=%d", b.Used("s"), b.Remaining("s"))
	}
	b.Record("s", 50)
	if b.Allow("s") {
		t.Fatal("exhausted sender must be rejected")
	}
	if b.Remaining("s") != 0 {
		t.Fatal("remaining must not go negative")
	}
}

func TestTokenBudget_ResetsAtMidnightUTC(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)}
	b := NewTokenBudget(10)
	b.now = clk.now

	b.Record("s", 10)
	if b.Allow("s") {
		t.Fatal("expected exhaustion before midnight")
	}
	clk.advance(time.Minute)
	if !b.Allow("s") || b.Used("s") != 0 {
		t.Fatal("expected the budget to reset at midnight UTC")
	}
}

func TestGate_Check(t *testing.T) {
	g := NewGate(1, 50)
	if msg := g.Check("s"); msg != "" {
		t.Fatalf("first call should pass, got %q", msg)
	}
	if msg := g.Check("s"); !strings.Contains(msg, "Too many requests") {
		t.Fatalf("expected rate-limit refusal, got %q", msg)
	}

	g = NewGate(10, 50)
	g.Charge("s", 50)
	if msg := g.Check("s"); !strings.Contains(msg, "Daily token budget of 50") {
		t.Fatalf("expected budget refusal, got %q", msg)
	}
}
