package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/client"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/types"
)

const defaultRetryDelay = 100 * time.Millisecond

type RegistryOptions struct {
	// Identity is the lease path announcing this node, usually its raft
	// address. Defaults to the client's self ID.
	Identity  string
	Resources types.Resources

	// how often Run checks the registration is still held, default
	// AutoUnlockTime/4
	CheckInterval time.Duration
	// pause before Run retries a failed registration, default 100ms
	RetryDelay time.Duration
	Logger     hclog.Logger
}

// Registry announces this node as a live cluster member: it holds a lease
// on its own identity and publishes its resources next to it.
type Registry struct {
	client     *client.Client
	identity   string
	interval   time.Duration
	retryDelay time.Duration
	logger     hclog.Logger

	mu         sync.Mutex
	resources  types.Resources
	registered bool
}

func NewRegistry(c *client.Client, opts RegistryOptions) *Registry {
	if opts.Identity == "" {
		opts.Identity = c.SelfID()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = c.AutoUnlockTime() / 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	return &Registry{
		client:     c,
		identity:   opts.Identity,
		interval:   opts.CheckInterval,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger.Named("membership").With("identity", opts.Identity),
		resources:  opts.Resources,
	}
}

func (r *Registry) Identity() string {
	return r.identity
}

// Register blocks until this node holds its identity lease and its
// resources are published. A held identity is usually a stale lease from a
// crashed predecessor, so it is retried until ctx ends rather than failing.
func (r *Registry) Register(ctx context.Context) error {
	r.logger.Info("registering")

	lock, err := r.client.Lock(ctx, r.identity)
	if err != nil {
		return fmt.Errorf("register %s: %w", r.identity, err)
	}

	r.mu.Lock()
	res := r.resources
	r.mu.Unlock()

	if err := r.publish(ctx, res); err != nil {
		//a member without resources must not linger until its lease lapses
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.client.AutoUnlockTime())
		defer cancel()
		if rerr := lock.Release(rctx); rerr != nil {
			r.logger.Warn("release after failed publish", "error", rerr)
		}
		return err
	}

	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()

	r.logger.Info("registered", "acquired_at", lock.AcquiredAt(), "cpus", res.CPUs, "gpus", res.GPUs)
	metrics.MembersLive.Set(float64(len(r.client.Members())))
	return nil
}

func (r *Registry) publish(ctx context.Context, res types.Resources) error {
	attached, err := r.client.Attach(ctx, r.identity, res)
	if err != nil {
		return fmt.Errorf("publish resources: %w", err)
	}
	if !attached {
		return fmt.Errorf("publish resources for %s: %w", r.identity, types.ErrNotHolder)
	}
	return nil
}

// Republish replaces the resources published for this node.
func (r *Registry) Republish(ctx context.Context, res types.Resources) error {
	if err := r.publish(ctx, res); err != nil {
		return err
	}

	r.mu.Lock()
	r.resources = res
	r.mu.Unlock()
	return nil
}

// Registered reports whether the identity lease is currently held.
func (r *Registry) Registered() bool {
	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()

	return registered && r.client.IsOwned(r.identity)
}

// Run registers and then keeps the registration: if the identity lease is
// lost (e.g. renewals could not reach a leader for too long) it registers
// again. Failed registrations are retried after RetryDelay. Returns nil
// when ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.registerUntilDone(ctx); err != nil {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		metrics.MembersLive.Set(float64(len(r.client.Members())))
		if r.client.IsOwned(r.identity) {
			continue
		}

		r.logger.Warn("identity lease lost, registering again")
		r.mu.Lock()
		r.registered = false
		r.mu.Unlock()

		if err := r.registerUntilDone(ctx); err != nil {
			return nil
		}
	}
}

// only fails once ctx has ended
func (r *Registry) registerUntilDone(ctx context.Context) error {
	for {
		err := r.Register(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("registration failed, retrying", "error", err, "retry_in", r.retryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
}

// Members lists live cluster members sorted by identity.
func (r *Registry) Members() []fsm.Member {
	return r.client.Members()
}

// Close gives up the identity lease so peers see this node leave at once
// rather than after the auto-unlock time.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	registered := r.registered
	r.registered = false
	r.mu.Unlock()

	if !registered {
		return nil
	}
	r.logger.Info("deregistering")
	return r.client.Release(ctx, r.identity)
}
