package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTypingInterval is how often the typing indicator is refreshed
// while a completion call is outstanding.
const DefaultTypingInterval = 5 * time.Second

// Indicator shows the user that a reply is being prepared. The manager
// calls Typing(ctx, true) immediately and then every typing interval, and
// Typing(ctx, false) exactly once when the call resolves.
//
// Errors are logged and otherwise ignored.
type Indicator interface {
	Typing(ctx context.Context, on bool) error
}

// NopIndicator is an Indicator that does nothing.
type NopIndicator struct{}

func (NopIndicator) Typing(context.Context, bool) error { return nil }

// keepAlive runs ind until the returned stop function is called. stop
// cancels the refresh loop, waits for the goroutine to exit, then turns the
// indicator off. stop is safe to call more than once.
func keepAlive(ctx context.Context, ind Indicator, interval time.Duration, logger *slog.Logger) (stop func()) {
	if ind == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = DefaultTypingInterval
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := ind.Typing(loopCtx, true); err != nil && loopCtx.Err() == nil {
				logger.Debug("memory: typing indicator failed", "err", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			// The parent context may already be done; turning the indicator
			// off must still be attempted.
			offCtx, offCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer offCancel()
			if err := ind.Typing(offCtx, false); err != nil {
				logger.Debug("memory: clearing typing indicator failed", "err", err)
			}
		})
	}
}
