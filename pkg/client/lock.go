package client

import (
	"context"
	"time"
)

// Lock is a held lease on one path, kept alive by the client's renewal
// daemon until released.
type Lock struct {
	client     *Client
	path       string
	acquiredAt time.Time
}

// Lock blocks until path is acquired or ctx ends, retrying every
// RetryDelay while someone else holds it.
func (c *Client) Lock(ctx context.Context, path string) (*Lock, error) {
	for attempt := 1; ; attempt++ {
		acquired, err := c.TryAcquire(ctx, path)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Lock{client: c, path: path, acquiredAt: c.opts.Clock.Now()}, nil
		}

		c.logger.Debug("lock busy, retrying", "path", path, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.opts.Clock.After(c.opts.RetryDelay):
		}
	}
}

func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) AcquiredAt() time.Time {
	return l.acquiredAt
}

// Held reports whether the lease is still live in local state.
func (l *Lock) Held() bool {
	return l.client.IsOwned(l.path)
}

func (l *Lock) Release(ctx context.Context) error {
	return l.client.Release(ctx, l.path)
}
