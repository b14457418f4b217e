package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/clock"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// upper bound on how often the renewal daemon wakes up
	maxCheckInterval  = 100 * time.Millisecond
	defaultRetryDelay = 100 * time.Millisecond
)

// Applier is the write side of the replicated log, all a client needs to
// hold and renew leases from a process that runs no replica.
type Applier interface {
	// Apply blocks until cmd is applied cluster-wide or ctx ends.
	Apply(ctx context.Context, cmd types.Command) (any, error)
	LeaderKnown() bool
}

// Log is a replicated log with a local replica to read from. *raft.Node
// implements it.
type Log interface {
	Applier
	FSM() *fsm.FSM
}

type Options struct {
	Namespace string //lease namespace, defaults to types.NamespaceLocks
	SelfID    string //holder identity, defaults to host:pid:random

	// AutoUnlockTime must match the namespace's setting in the state
	// machine; zero takes it from there.
	AutoUnlockTime time.Duration

	// the two empirically chosen ratios of the lease window
	RenewInterval time.Duration //gap between renewals, default AutoUnlockTime/4
	SafetyMargin  time.Duration //max acquire latency accepted, default AutoUnlockTime/2

	CheckInterval time.Duration //daemon wake-up, default min(100ms, RenewInterval)
	RetryDelay    time.Duration //pause between Lock attempts, default 100ms

	Clock  clock.Clock
	Logger hclog.Logger
	Tracer trace.Tracer
}

// Client is the lease facade for one identity in one namespace. It keeps
// the identity's leases alive with a background renewal daemon until Close.
type Client struct {
	log    Applier
	state  *fsm.FSM //nil without a local replica
	opts   Options
	logger hclog.Logger
	tracer trace.Tracer
	stamps *stamper

	cancel     context.CancelFunc
	stopParent func() bool
	done       <-chan struct{}
	cleanup    runtime.Cleanup
	closeOnce  sync.Once

	mu     sync.RWMutex
	closed bool
}

func defaultSelfID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (o *Options) setDefaults(state *fsm.FSM) error {
	if o.Namespace == "" {
		o.Namespace = types.NamespaceLocks
	}
	if state != nil {
		ttl, ok := state.AutoUnlockTime(o.Namespace)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrUnknownNamespace, o.Namespace)
		}
		if o.AutoUnlockTime == 0 {
			o.AutoUnlockTime = ttl
		}
		if o.AutoUnlockTime != ttl {
			return fmt.Errorf("auto unlock time %v does not match namespace %s (%v)", o.AutoUnlockTime, o.Namespace, ttl)
		}
	}
	if o.AutoUnlockTime <= 0 {
		return errors.New("auto unlock time required without a local replica")
	}

	if o.SelfID == "" {
		o.SelfID = defaultSelfID()
	}
	if o.RenewInterval == 0 {
		o.RenewInterval = o.AutoUnlockTime / 4
	}
	if o.SafetyMargin == 0 {
		o.SafetyMargin = o.AutoUnlockTime / 2
	}
	if o.RenewInterval < 0 || o.RenewInterval >= o.AutoUnlockTime {
		return fmt.Errorf("renew interval %v must be positive and below the auto unlock time %v", o.RenewInterval, o.AutoUnlockTime)
	}
	if o.SafetyMargin < 0 || o.SafetyMargin >= o.AutoUnlockTime {
		return fmt.Errorf("safety margin %v must be positive and below the auto unlock time %v", o.SafetyMargin, o.AutoUnlockTime)
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = min(maxCheckInterval, o.RenewInterval)
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/pixperk/holdfast/pkg/client")
	}
	return nil
}

// New creates a client and starts its renewal daemon. It returns once the
// daemon is running. The daemon stops on Close, when ctx ends, or when the
// client is garbage collected.
func New(ctx context.Context, log Log, opts Options) (*Client, error) {
	return newClient(ctx, log, log.FSM(), opts)
}

// NewRemote creates a client for a process that reaches the cluster only
// through a. opts.AutoUnlockTime must be set to the cluster's value. Local
// reads (IsOwned, IsAcquired, Records, Members, Counter) report nothing and
// Subscribe never fires.
func NewRemote(ctx context.Context, a Applier, opts Options) (*Client, error) {
	return newClient(ctx, a, nil, opts)
}

func newClient(ctx context.Context, log Applier, state *fsm.FSM, opts Options) (*Client, error) {
	if err := opts.setDefaults(state); err != nil {
		return nil, err
	}
	logger := opts.Logger.Named("client").With("namespace", opts.Namespace, "self_id", opts.SelfID)

	stamps := &stamper{clock: opts.Clock}
	r := &renewer{
		log:           log,
		namespace:     opts.Namespace,
		selfID:        opts.SelfID,
		stamps:        stamps,
		clock:         opts.Clock,
		logger:        logger.Named("renewal"),
		tracer:        opts.Tracer,
		checkInterval: opts.CheckInterval,
		renewInterval: opts.RenewInterval,
		done:          make(chan struct{}),
	}

	//parent context ending stops the daemon too
	daemonCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopParent := context.AfterFunc(ctx, cancel)

	c := &Client{
		log:        log,
		state:      state,
		opts:       opts,
		logger:     logger,
		tracer:     opts.Tracer,
		stamps:     stamps,
		cancel:     cancel,
		stopParent: stopParent,
		done:       r.done,
	}

	started := make(chan struct{})
	go r.run(daemonCtx, started)
	<-started

	c.cleanup = runtime.AddCleanup(c, func(cancel context.CancelFunc) { cancel() }, cancel)

	logger.Debug("lease client started", "auto_unlock_time", opts.AutoUnlockTime,
		"renew_interval", opts.RenewInterval, "safety_margin", opts.SafetyMargin)
	return c, nil
}

func (c *Client) SelfID() string {
	return c.opts.SelfID
}

func (c *Client) Namespace() string {
	return c.opts.Namespace
}

func (c *Client) AutoUnlockTime() time.Duration {
	return c.opts.AutoUnlockTime
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// TryAcquire attempts to take path once. Contention and a latency
// downgrade both return false with a nil error; only a failure to get the
// command applied is an error. Without a ctx deadline it blocks until the
// log applies the command.
func (c *Client) TryAcquire(ctx context.Context, path string) (bool, error) {
	if c.isClosed() {
		return false, types.ErrClientClosed
	}

	ctx, span := c.tracer.Start(ctx, "holdfast.acquire", trace.WithAttributes(
		attribute.String("lease.namespace", c.opts.Namespace),
		attribute.String("lease.path", path),
		attribute.String("lease.client_id", c.opts.SelfID),
	))
	defer span.End()

	attempt, err := c.stamps.stamp()
	if err != nil {
		return c.acquireFailed(span, err)
	}
	cmd, err := types.NewAcquire(c.opts.Namespace, path, c.opts.SelfID, attempt)
	if err != nil {
		return c.acquireFailed(span, err)
	}

	result, err := c.log.Apply(ctx, cmd)
	if err != nil {
		return c.acquireFailed(span, err)
	}
	resp, ok := result.(fsm.AcquireResponse)
	if !ok {
		return c.acquireFailed(span, fmt.Errorf("unexpected acquire response %T", result))
	}

	elapsed := c.opts.Clock.Now().Sub(attempt)
	metrics.LeaseAcquireDuration.WithLabelValues(c.opts.Namespace).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int64("lease.elapsed_ms", elapsed.Milliseconds()))

	if !resp.Acquired {
		metrics.LeaseAcquireTotal.WithLabelValues(c.opts.Namespace, metrics.StatusContended).Inc()
		span.SetAttributes(attribute.String("lease.outcome", metrics.StatusContended))
		return false, nil
	}

	if elapsed > c.opts.SafetyMargin {
		//too little of the lease window is left to act on it safely
		c.logger.Warn("acquire exceeded safety margin, releasing", "path", path, "elapsed", elapsed, "safety_margin", c.opts.SafetyMargin)
		metrics.LeaseAcquireTotal.WithLabelValues(c.opts.Namespace, metrics.StatusDowngraded).Inc()
		span.SetAttributes(attribute.String("lease.outcome", metrics.StatusDowngraded))
		c.releaseDowngraded(path)
		return false, nil
	}

	metrics.LeaseAcquireTotal.WithLabelValues(c.opts.Namespace, metrics.StatusAcquired).Inc()
	span.SetAttributes(attribute.String("lease.outcome", metrics.StatusAcquired))
	return true, nil
}

func (c *Client) acquireFailed(span trace.Span, err error) (bool, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.LeaseAcquireTotal.WithLabelValues(c.opts.Namespace, metrics.StatusError).Inc()
	return false, err
}

// the caller's context may already be spent, so the release gets its own
// deadline
func (c *Client) releaseDowngraded(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SafetyMargin)
	defer cancel()

	if err := c.release(ctx, path); err != nil {
		c.logger.Warn("release after downgrade failed, lease will expire", "path", path, "error", err)
	}
}

// TryAcquireAsync runs TryAcquire in the background and reports through cb.
// A zero timeout waits for the log indefinitely.
func (c *Client) TryAcquireAsync(path string, timeout time.Duration, cb func(acquired bool, err error)) {
	go func() {
		ctx, cancel := withOptionalTimeout(timeout)
		defer cancel()

		acquired, err := c.TryAcquire(ctx, path)
		if cb != nil {
			cb(acquired, err)
		}
	}()
}

// Release gives up path. Releasing a path this client does not hold is a
// silent no-op.
func (c *Client) Release(ctx context.Context, path string) error {
	if c.isClosed() {
		return types.ErrClientClosed
	}
	return c.release(ctx, path)
}

func (c *Client) release(ctx context.Context, path string) error {
	ctx, span := c.tracer.Start(ctx, "holdfast.release", trace.WithAttributes(
		attribute.String("lease.namespace", c.opts.Namespace),
		attribute.String("lease.path", path),
	))
	defer span.End()

	cmd, err := types.NewRelease(c.opts.Namespace, path, c.opts.SelfID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	result, err := c.log.Apply(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("release %s: %w", path, err)
	}

	metrics.LeaseReleaseTotal.WithLabelValues(c.opts.Namespace).Inc()
	if resp, ok := result.(fsm.ReleaseResponse); ok {
		span.SetAttributes(attribute.Bool("lease.released", resp.Released))
	}
	return nil
}

func (c *Client) ReleaseAsync(path string, timeout time.Duration, cb func(err error)) {
	go func() {
		ctx, cancel := withOptionalTimeout(timeout)
		defer cancel()

		err := c.Release(ctx, path)
		if cb != nil {
			cb(err)
		}
	}()
}

func withOptionalTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

// IsOwned reports whether this client holds a live lease on path in the
// locally applied state, which may lag the cluster.
func (c *Client) IsOwned(path string) bool {
	if c.state == nil {
		return false
	}
	return c.state.IsOwned(c.opts.Namespace, path, c.opts.SelfID, c.opts.Clock.Now())
}

// IsAcquired reports whether anyone holds a live lease on path.
func (c *Client) IsAcquired(path string) bool {
	if c.state == nil {
		return false
	}
	return c.state.IsAcquired(c.opts.Namespace, path, c.opts.Clock.Now())
}

// current holders in this namespace, from local state
func (c *Client) Records() map[string]types.LeaseRecord {
	if c.state == nil {
		return nil
	}
	return c.state.Records(c.opts.Namespace)
}

// Attach publishes res alongside a lease this client holds on path. It
// returns false when the lease is not held, and the payload disappears
// with the lease.
func (c *Client) Attach(ctx context.Context, path string, res types.Resources) (bool, error) {
	if c.isClosed() {
		return false, types.ErrClientClosed
	}

	at, err := c.stamps.stamp()
	if err != nil {
		return false, err
	}
	cmd, err := types.NewAttach(c.opts.Namespace, path, c.opts.SelfID, at, res)
	if err != nil {
		return false, err
	}

	result, err := c.log.Apply(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("attach %s: %w", path, err)
	}
	resp, ok := result.(fsm.AttachResponse)
	if !ok {
		return false, fmt.Errorf("unexpected attach response %T", result)
	}
	return resp.Attached, nil
}

// Members lists the live leases of the namespace with their payloads,
// sorted by path.
func (c *Client) Members() []fsm.Member {
	if c.state == nil {
		return nil
	}
	return c.state.Members(c.opts.Namespace, c.opts.Clock.Now())
}

func (c *Client) IncCounter(ctx context.Context) (int64, error) {
	return c.applyCounter(ctx, types.IncCounterCmd{})
}

func (c *Client) ResetCounter(ctx context.Context) (int64, error) {
	return c.applyCounter(ctx, types.ResetCounterCmd{})
}

func (c *Client) applyCounter(ctx context.Context, cmd types.Command) (int64, error) {
	if c.isClosed() {
		return 0, types.ErrClientClosed
	}

	result, err := c.log.Apply(ctx, cmd)
	if err != nil {
		return 0, err
	}
	resp, ok := result.(fsm.CounterResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected counter response %T", result)
	}
	return resp.Value, nil
}

// Counter reads the locally applied counter.
func (c *Client) Counter() int64 {
	if c.state == nil {
		return 0
	}
	return c.state.Counter()
}

// Subscribe calls fn for every command applied on the local replica.
func (c *Client) Subscribe(fn func(fsm.Event)) (cancel func()) {
	if c.state == nil {
		return func() {}
	}
	return c.state.Subscribe(fn)
}

// Close stops the renewal daemon. Held leases are not released and expire
// after the auto-unlock time unless released first.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cleanup.Stop()
		c.stopParent()
		c.cancel()
		<-c.done
		c.logger.Debug("lease client closed")
	})
	return nil
}

// Done is closed when the renewal daemon has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
