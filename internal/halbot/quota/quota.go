// Package quota limits how often and how much each sender may use the
// completion API: a sliding-window request rate and a daily token budget.
package quota

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of completion calls allowed per sender
	// per minute when none is configured.
	DefaultRateLimit = 10

	// DefaultDailyTokens is the per-sender token allowance per UTC day when
	// none is configured.
	DefaultDailyTokens = 100_000

	defaultWindow = time.Minute
)

// clock is swapped in tests.
type clock func() time.Time

// RateLimiter enforces a per-sender sliding-window rate limit.
// It is safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    clock
	calls  map[string][]time.Time // sender → call times within window
}

// NewRateLimiter allows at most limit calls per sender within window.
// limit ≤ 0 selects DefaultRateLimit; window ≤ 0 selects one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		calls:  make(map[string][]time.Time),
	}
}

// Allow records a call and reports whether the sender was within limit.
// Rejected calls are not recorded.
func (r *RateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(sender, now)
	if len(valid) >= r.limit {
		return false
	}
	r.calls[sender] = append(valid, now)
	return true
}

// Remaining returns how many calls the sender may still make in the
// current window.
func (r *RateLimiter) Remaining(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.limit-len(r.prune(sender, r.now())), 0)
}

// prune drops calls older than the window. Must be called with r.mu held.
func (r *RateLimiter) prune(sender string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.calls[sender]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.calls, sender)
		return nil
	}
	r.calls[sender] = valid
	return valid
}

// TokenBudget enforces a per-sender daily token allowance that resets at
// midnight UTC. Allow checks without consuming; Record charges actual
// usage after a call. It is safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	now    clock
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time
}

// NewTokenBudget allows dailyTokens per sender per UTC day.
// dailyTokens ≤ 0 selects DefaultDailyTokens.
func NewTokenBudget(dailyTokens int) *TokenBudget {
	if dailyTokens <= 0 {
		dailyTokens = DefaultDailyTokens
	}
	return &TokenBudget{
		budget: dailyTokens,
		now:    time.Now,
		usage:  make(map[string]*dailyUsage),
	}
}

// Budget returns the per-sender daily allowance.
func (b *TokenBudget) Budget() int { return b.budget }

// Allow reports whether the sender has tokens left today.
func (b *TokenBudget) Allow(sender string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used(sender) < b.budget
}

// Record charges tokens to the sender. Non-positive values are ignored.
func (b *TokenBudget) Record(sender string, tokens int) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.used(sender)
	u := b.usage[sender]
	if u == nil {
		u = &dailyUsage{resetAt: nextMidnightUTC(b.now())}
		b.usage[sender] = u
	}
	u.tokens += tokens
}

// Used returns the tokens charged to sender today.
func (b *TokenBudget) Used(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used(sender)
}

// Remaining returns the tokens sender may still use today.
func (b *TokenBudget) Remaining(sender string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return max(b.budget-b.used(sender), 0)
}

// used resets a stale entry and returns today's usage. Must be called with
// b.mu held.
func (b *TokenBudget) used(sender string) int {
	u := b.usage[sender]
	if u == nil {
		return 0
	}
	if !b.now().UTC().Before(u.resetAt) {
		delete(b.usage, sender)
		return 0
	}
	return u.tokens
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Gate combines both limits for the completion-calling commands.
type Gate struct {
	Rate   *RateLimiter
	Tokens *TokenBudget
}

// NewGate builds a Gate from the configured limits.
func NewGate(rateLimit, dailyTokens int) *Gate {
	return &Gate{
		Rate:   NewRateLimiter(rateLimit, defaultWindow),
		Tokens: NewTokenBudget(dailyTokens),
	}
}

// Check returns a user-facing refusal when sender may not make another
// call, or "" when the call may proceed. An allowed call counts against
// the rate limit.
func (g *Gate) Check(sender string) string {
	if !g.Tokens.Allow(sender) {
		return fmt.Sprintf("⏳ Daily token budget of %d exhausted. Try again tomorrow (UTC).", g.Tokens.Budget())
	}
	if !g.Rate.Allow(sender) {
		return "⏳ Too many requests. Please wait a minute and try again."
	}
	return ""
}

// Charge records tokens consumed by sender.
func (g *Gate) Charge(sender string, tokens int) {
	g.Tokens.Record(sender, tokens)
}
