package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// CoordinatorOptions configures fetch coalescing and throttling.
type CoordinatorOptions struct {
	// MaxInFlight bounds the number of concurrent remote round trips.
	MaxInFlight int64

	// RateLimit throttles fetch starts. Zero means unlimited.
	RateLimit rate.Limit

	// RateBurst is the burst size for RateLimit.
	RateBurst int

	// FetchTimeout bounds a single round trip, including the retry.
	FetchTimeout time.Duration
}

// DefaultCoordinatorOptions returns default coordinator options.
var DefaultCoordinatorOptions = CoordinatorOptions{
	MaxInFlight:  4,
	FetchTimeout: 30 * time.Second,
}

// Coordinator deduplicates and throttles remote fetches. Concurrent
// requests for the same missing data share one round trip, and the merged
// response is applied exactly once via the apply callback.
type Coordinator struct {
	remote Remote
	apply  func(*Bundle) error
	opts   CoordinatorOptions

	group   singleflight.Group
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewCoordinator creates a coordinator fetching from remote. apply merges a
// fetched bundle into local state; it must either install the whole bundle
// or leave state untouched.
func NewCoordinator(remote Remote, apply func(*Bundle) error, optFns ...func(o *CoordinatorOptions)) *Coordinator {
	opts := DefaultCoordinatorOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}

	c := &Coordinator{
		remote: remote,
		apply:  apply,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxInFlight),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return c
}

// Fetch retrieves the requested data and applies it. Identical concurrent
// requests are coalesced into one round trip. A caller whose context ends
// stops waiting, but the shared fetch keeps running for the others.
func (c *Coordinator) Fetch(ctx context.Context, req Request) error {
	if req.IsEmpty() {
		return nil
	}
	if c.remote == nil {
		return fmt.Errorf("%w: no remote configured", ErrRemoteUnavailable)
	}

	ch := c.group.DoChan(req.Key(), func() (any, error) {
		return nil, c.fetchAndApply(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) fetchAndApply(ctx context.Context, req Request) error {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
	}

	bundle, err := c.remote.Fetch(ctx, req)
	if err != nil && retryable(ctx, err) {
		bundle, err = c.remote.Fetch(ctx, req)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	if bundle.IsEmpty() {
		return fmt.Errorf("%w: empty response for %s", ErrNotFound, req.Key())
	}
	return c.apply(bundle)
}

// retryable reports whether a failed fetch is worth exactly one more try.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}
