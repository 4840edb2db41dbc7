package weather

import (
	"context"
	"sync"
	"time"

	"github.com/rgustavsen/skycast/internal/models"
)

// inFlightFetch tracks a single upstream fetch that multiple callers may wait
// for.
type inFlightFetch struct {
	mu      sync.Mutex
	result  models.WeatherBundle
	err     error
	done    bool
	waiters []chan struct{}
}

// fetchCoalescer merges concurrent fetches for the same cache key into one
// upstream round trip.
type fetchCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newFetchCoalescer(timeout time.Duration) *fetchCoalescer {
	return &fetchCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of an in-flight fetch for key, or runs fn and
// registers it. Respects context cancellation and the coalescer timeout.
func (fc *fetchCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.WeatherBundle, error)) (models.WeatherBundle, error) {
	fc.mu.Lock()
	req, exists := fc.inFlight[key]
	if exists {
		notify := make(chan struct{})
		req.mu.Lock()
		if req.done {
			result, err := req.result, req.err
			req.mu.Unlock()
			fc.mu.Unlock()
			return result, err
		}
		req.waiters = append(req.waiters, notify)
		req.mu.Unlock()
		fc.mu.Unlock()
		return fc.wait(ctx, req, notify)
	}

	req = &inFlightFetch{}
	fc.inFlight[key] = req
	fc.mu.Unlock()

	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		fc.mu.Lock()
		delete(fc.inFlight, key)
		fc.mu.Unlock()
	}()

	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	return fc.wait(ctx, req, notify)
}

func (fc *fetchCoalescer) wait(ctx context.Context, req *inFlightFetch, notify chan struct{}) (models.WeatherBundle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	case <-waitCtx.Done():
		return models.WeatherBundle{}, waitCtx.Err()
	}
}
