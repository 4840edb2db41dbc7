// Package recovery revalidates the upstream after the service enters
// degraded mode, backing off on a Fibonacci schedule until the upstream
// answers again or the schedule is exhausted.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rgustavsen/skycast/internal/traffic"
)

var (
	notifyChan   chan struct{}
	notifyChanMu sync.Mutex
)

// ValidateFunc probes the upstream (API key check, optional test fetch).
// Returns nil when the upstream is healthy again.
type ValidateFunc func(ctx context.Context) error

// Notify signals that a degraded response was served. Triggers a recovery
// run if one is not already in progress. Safe to call from request paths;
// non-blocking.
func Notify() {
	notifyChanMu.Lock()
	ch := notifyChan
	notifyChanMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StartListener starts a goroutine that runs recovery when Notify is called.
// Call from main with the app context. At most one recovery run is active at
// a time; notifications during a run are dropped.
func StartListener(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	ch := make(chan struct{}, 1)
	notifyChanMu.Lock()
	notifyChan = ch
	notifyChanMu.Unlock()

	var running atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if running.Swap(true) {
					continue
				}
				go func() {
					defer running.Store(false)
					Run(ctx, validate, initial, max, onExhausted)
				}()
			}
		}
	}()
}

// Run executes the Fibonacci backoff recovery loop. With initial=1m and
// max=13m the validate attempts land at 1m, 2m, 3m, 5m, 8m, 13m. A passing
// validation resets the traffic window so the health endpoint reflects the
// recovery immediately; if the final attempt still fails, onExhausted runs.
func Run(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onExhausted func()) {
	if initial <= 0 || max < initial {
		return
	}
	delays := fibDelays(initial, max)
	const attemptTimeout = 10 * time.Second
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := validate(attemptCtx)
		cancel()
		if err == nil {
			traffic.Reset()
			return
		}
		if i == len(delays)-1 {
			onExhausted()
			return
		}
	}
}

func fibDelays(initial, max time.Duration) []time.Duration {
	a, b := 1.0, 2.0
	unit := initial.Seconds()
	var out []time.Duration
	for {
		d := time.Duration(a*unit) * time.Second
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
