package client_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/holdfast/pkg/client"
	"github.com/pixperk/holdfast/pkg/clock"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = 5 * time.Second

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeLog applies commands one at a time to a real state machine, the way
// the replicated log would on a single replica
type fakeLog struct {
	mu      sync.Mutex
	fsm     *fsm.FSM
	leader  atomic.Bool
	applied []types.Command

	// runs before each command is applied, under the apply lock
	before func(types.Command)
	err    error
}

func newFakeLog() *fakeLog {
	l := &fakeLog{fsm: fsm.NewFSM(map[string]time.Duration{
		types.NamespaceLocks: ttl,
		types.NamespaceHosts: ttl,
	})}
	l.leader.Store(true)
	return l
}

func (l *fakeLog) Apply(ctx context.Context, cmd types.Command) (any, error) {
	//commands cross the wire in a real cluster
	data, err := types.Encode(cmd)
	if err != nil {
		return nil, err
	}
	decoded, err := types.Decode(data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.before != nil {
		l.before(decoded)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.err != nil {
		return nil, l.err
	}
	l.applied = append(l.applied, decoded)
	return l.fsm.Apply(decoded)
}

func (l *fakeLog) LeaderKnown() bool { return l.leader.Load() }

func (l *fakeLog) FSM() *fsm.FSM { return l.fsm }

func (l *fakeLog) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *fakeLog) commands(ct types.CommandType) []types.Command {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.Command
	for _, cmd := range l.applied {
		if cmd.Type() == ct {
			out = append(out, cmd)
		}
	}
	return out
}

func newClient(t *testing.T, log client.Log, clk clock.Clock, selfID string) *client.Client {
	t.Helper()

	c, err := client.New(context.Background(), log, client.Options{
		SelfID: selfID,
		Clock:  clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// moves the manual clock in small steps, letting the daemon re-arm its
// timer between them, until cond holds or limit is used up
func advanceUntil(t *testing.T, clk *clock.Manual, limit time.Duration, cond func() bool) {
	t.Helper()

	deadline := clk.Now().Add(limit)
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		if clk.Now().Before(deadline) {
			clk.Advance(10 * time.Millisecond)
		}
		return cond()
	}, 10*time.Second, time.Millisecond)
}

// moves the manual clock by d in small steps
func advance(clk *clock.Manual, d time.Duration) {
	for step := 10 * time.Millisecond; d > 0; d -= step {
		clk.Advance(min(step, d))
		time.Sleep(100 * time.Microsecond)
	}
}

func TestNewDefaults(t *testing.T) {
	log := newFakeLog()
	c, err := client.New(context.Background(), log, client.Options{})
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, c.SelfID())
	assert.Equal(t, types.NamespaceLocks, c.Namespace())
	assert.Equal(t, ttl, c.AutoUnlockTime())

	other, err := client.New(context.Background(), log, client.Options{})
	require.NoError(t, err)
	defer other.Close()
	assert.NotEqual(t, c.SelfID(), other.SelfID(), "generated identities must differ")
}

func TestNewRejectsBadOptions(t *testing.T) {
	log := newFakeLog()
	ctx := context.Background()

	_, err := client.New(ctx, log, client.Options{Namespace: "nope"})
	assert.ErrorIs(t, err, types.ErrUnknownNamespace)

	_, err = client.New(ctx, log, client.Options{AutoUnlockTime: time.Second})
	assert.Error(t, err, "auto unlock time must match the state machine")

	_, err = client.New(ctx, log, client.Options{RenewInterval: ttl})
	assert.Error(t, err)

	_, err = client.New(ctx, log, client.Options{SafetyMargin: 2 * ttl})
	assert.Error(t, err)
}

// writeOnly hides the local replica, like a process talking to a remote
// cluster
type writeOnly struct{ log *fakeLog }

func (w writeOnly) Apply(ctx context.Context, cmd types.Command) (any, error) {
	return w.log.Apply(ctx, cmd)
}

func (w writeOnly) LeaderKnown() bool { return w.log.LeaderKnown() }

func TestRemoteClientNeedsAutoUnlockTime(t *testing.T) {
	_, err := client.NewRemote(context.Background(), writeOnly{newFakeLog()}, client.Options{})
	assert.Error(t, err)
}

func TestRemoteClientHoldsAndRenews(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c, err := client.NewRemote(context.Background(), writeOnly{log}, client.Options{
		SelfID:         "cli",
		AutoUnlockTime: ttl,
		Clock:          clk,
	})
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.TryAcquire(context.Background(), "p")
	require.NoError(t, err)
	require.True(t, ok)

	//no local replica to read from
	assert.False(t, c.IsOwned("p"))
	assert.Nil(t, c.Members())
	assert.Zero(t, c.Counter())
	c.Subscribe(func(fsm.Event) {})()

	advanceUntil(t, clk, 2*ttl, func() bool { return len(log.commands(types.CommandTypeRenew)) > 0 })
	assert.True(t, log.FSM().IsOwned(types.NamespaceLocks, "p", "cli", clk.Now()))

	require.NoError(t, c.Release(context.Background(), "p"))
	assert.False(t, log.FSM().IsAcquired(types.NamespaceLocks, "p", clk.Now()))
}

// TestContentionIsNotAnError tests a held path returns false without error
func TestContentionIsNotAnError(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	a := newClient(t, log, clk, "A")
	b := newClient(t, log, clk, "B")
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, a.IsOwned("jobs/42"))
	assert.False(t, b.IsOwned("jobs/42"))
	assert.True(t, b.IsAcquired("jobs/42"), "held by someone")
	assert.Equal(t, "A", b.Records()["jobs/42"].Holder)

	//re-acquire by the holder succeeds
	ok, err = a.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLatencyDowngrade tests an acquire slower than the safety margin is
// reported as failed and released again
func TestLatencyDowngrade(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c := newClient(t, log, clk, "A")

	log.before = func(cmd types.Command) {
		if cmd.Type() == types.CommandTypeAcquire {
			clk.Advance(ttl/2 + time.Millisecond)
		}
	}

	ok, err := c.TryAcquire(context.Background(), "jobs/42")
	require.NoError(t, err)
	assert.False(t, ok, "slow acquire must be downgraded")

	require.Len(t, log.commands(types.CommandTypeAcquire), 1)
	releases := log.commands(types.CommandTypeRelease)
	require.Len(t, releases, 1, "downgrade must release the path")
	assert.Equal(t, types.ReleaseCmd{Namespace: types.NamespaceLocks, Path: "jobs/42", ClientID: "A"}, releases[0])

	assert.False(t, c.IsAcquired("jobs/42"))
}

func TestLatencyExactlyAtMarginIsKept(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c := newClient(t, log, clk, "A")

	log.before = func(cmd types.Command) {
		if cmd.Type() == types.CommandTypeAcquire {
			clk.Advance(ttl / 2)
		}
	}

	ok, err := c.TryAcquire(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, log.commands(types.CommandTypeRelease))
}

func TestCustomSafetyMargin(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c, err := client.New(context.Background(), log, client.Options{SelfID: "A", Clock: clk, SafetyMargin: time.Second})
	require.NoError(t, err)
	defer c.Close()

	log.before = func(cmd types.Command) {
		if cmd.Type() == types.CommandTypeAcquire {
			clk.Advance(1500 * time.Millisecond)
		}
	}

	ok, err := c.TryAcquire(context.Background(), "p")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestTransportFailureIsAnError tests log failures surface as errors
func TestTransportFailureIsAnError(t *testing.T) {
	log := newFakeLog()
	c := newClient(t, log, clock.NewManual(t0), "A")

	log.setErr(fmt.Errorf("%w: %w", types.ErrNoLeader, context.DeadlineExceeded))

	ok, err := c.TryAcquire(context.Background(), "p")
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrNoLeader)

	err = c.Release(context.Background(), "p")
	assert.ErrorIs(t, err, types.ErrNoLeader)

	_, err = c.IncCounter(context.Background())
	assert.ErrorIs(t, err, types.ErrNoLeader)
}

func TestClockRegressionIsRejected(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c := newClient(t, log, clk, "A")

	_, err := c.TryAcquire(context.Background(), "p")
	require.NoError(t, err)

	clk.Set(t0.Add(-time.Second))
	ok, err := c.TryAcquire(context.Background(), "p")
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrClockRegression)
	assert.Len(t, log.commands(types.CommandTypeAcquire), 1, "regressed command must not reach the log")
}

// callers and the renewal daemon stamp concurrently; a steady clock must
// never be reported as going backwards
func TestConcurrentStampsOnRealClock(t *testing.T) {
	log := newFakeLog()
	c, err := client.New(context.Background(), log, client.Options{
		SelfID:        "A",
		Clock:         clock.Real{},
		RenewInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	const (
		workers = 16
		rounds  = 200
	)
	var (
		wg       sync.WaitGroup
		failures atomic.Int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := c.TryAcquire(context.Background(), path); err != nil {
					failures.Add(1)
				}
				if _, err := c.Attach(context.Background(), path, types.Resources{CPUs: 1}); err != nil {
					failures.Add(1)
				}
			}
		}(fmt.Sprintf("p-%d", w))
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Eventually(t, func() bool {
		return len(log.commands(types.CommandTypeRenew)) > 0
	}, time.Second, time.Millisecond, "daemon should stamp alongside the callers")
}

// TestRenewalDaemonKeepsLeaseAlive walks through acquire, contention,
// renewal and takeover after the holder is gone
func TestRenewalDaemonKeepsLeaseAlive(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	a := newClient(t, log, clk, "A")
	b := newClient(t, log, clk, "B")
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	require.True(t, ok)

	advance(clk, time.Second)
	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.False(t, ok, "B must not take a live lease")

	renewedAt := func() time.Time { return log.FSM().Records(types.NamespaceLocks)["jobs/42"].RenewedAt }
	advanceUntil(t, clk, 2*time.Second, func() bool { return renewedAt().After(t0) })
	assert.GreaterOrEqual(t, renewedAt().Sub(t0), ttl/4, "renewal must wait one interval")

	//past the original window, the renewed lease still blocks B
	advanceUntil(t, clk, 5*time.Second, func() bool { return clk.Now().Sub(t0) > ttl+time.Second })
	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, a.IsOwned("jobs/42"))

	//A goes away, nothing renews its lease any more
	require.NoError(t, a.Close())
	last := renewedAt()
	clk.Set(last.Add(ttl + time.Millisecond))

	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be taken over")
	assert.True(t, b.IsOwned("jobs/42"))
}

func TestCrashedHolderLosesLease(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	a := newClient(t, log, clk, "A")
	b := newClient(t, log, clk, "B")
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Close())

	clk.Set(t0.Add(time.Second))
	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Set(t0.Add(6 * time.Second))
	ok, err = b.TryAcquire(ctx, "jobs/42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewalSkipsWithoutLeader(t *testing.T) {
	log := newFakeLog()
	log.leader.Store(false)
	clk := clock.NewManual(t0)
	newClient(t, log, clk, "A")

	advance(clk, 3*time.Second)
	assert.Empty(t, log.commands(types.CommandTypeRenew), "no renewal while leaderless")

	log.leader.Store(true)
	advanceUntil(t, clk, 2*time.Second, func() bool {
		return len(log.commands(types.CommandTypeRenew)) > 0
	})

	renew := log.commands(types.CommandTypeRenew)[0].(types.RenewCmd)
	assert.Equal(t, "A", renew.ClientID)
	assert.Equal(t, types.NamespaceLocks, renew.Namespace)
}

func TestRenewalHonoursMinimumGap(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	newClient(t, log, clk, "A")

	advanceUntil(t, clk, 10*time.Second, func() bool {
		return len(log.commands(types.CommandTypeRenew)) >= 3
	})

	renews := log.commands(types.CommandTypeRenew)
	for i := 1; i < len(renews); i++ {
		gap := renews[i].(types.RenewCmd).Time.Sub(renews[i-1].(types.RenewCmd).Time)
		assert.GreaterOrEqual(t, gap, ttl/4)
	}
}

func TestCloseStopsDaemon(t *testing.T) {
	log := newFakeLog()
	clk := clock.NewManual(t0)
	c := newClient(t, log, clk, "A")

	select {
	case <-c.Done():
		t.Fatal("daemon must be running after New")
	default:
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	select {
	case <-c.Done():
	default:
		t.Fatal("daemon must have exited when Close returns")
	}

	advance(clk, 3*time.Second)
	assert.Empty(t, log.commands(types.CommandTypeRenew))

	_, err := c.TryAcquire(context.Background(), "p")
	assert.ErrorIs(t, err, types.ErrClientClosed)
	assert.ErrorIs(t, c.Release(context.Background(), "p"), types.ErrClientClosed)
}

func TestParentContextStopsDaemon(t *testing.T) {
	log := newFakeLog()
	ctx, cancel := context.WithCancel(context.Background())

	c, err := client.New(ctx, log, client.Options{SelfID: "A", Clock: clock.NewManual(t0)})
	require.NoError(t, err)
	defer c.Close()

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("daemon must stop with its parent context")
	}
}

func TestUnreachableClientStopsDaemon(t *testing.T) {
	log := newFakeLog()

	done := func() <-chan struct{} {
		c, err := client.New(context.Background(), log, client.Options{SelfID: "A", Clock: clock.NewManual(t0)})
		require.NoError(t, err)
		return c.Done()
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

// TestConcurrentIncCounter tests N callers see the unique values 1..N
func TestConcurrentIncCounter(t *testing.T) {
	log := newFakeLog()
	c := newClient(t, log, clock.NewManual(t0), "A")

	const callers = 50
	values := make([]int64, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.IncCounter(context.Background())
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		assert.Equal(t, int64(i+1), v)
	}
	assert.Equal(t, int64(callers), c.Counter())

	v, err := c.ResetCounter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestAsyncVariants(t *testing.T) {
	log := newFakeLog()
	c := newClient(t, log, clock.NewManual(t0), "A")

	type result struct {
		ok  bool
		err error
	}
	acquired := make(chan result, 1)
	c.TryAcquireAsync("p", time.Second, func(ok bool, err error) { acquired <- result{ok, err} })

	select {
	case r := <-acquired:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire callback not called")
	}

	released := make(chan error, 1)
	c.ReleaseAsync("p", 0, func(err error) { released <- err })

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("release callback not called")
	}
	assert.False(t, c.IsAcquired("p"))
}

func TestAsyncTimeoutReportsError(t *testing.T) {
	log := newFakeLog()
	c := newClient(t, log, clock.NewManual(t0), "A")

	//the log hangs until the caller gives up
	log.before = func(cmd types.Command) { time.Sleep(50 * time.Millisecond) }

	errs := make(chan error, 1)
	c.TryAcquireAsync("p", 10*time.Millisecond, func(ok bool, err error) {
		assert.False(t, ok)
		errs <- err
	})

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	log := newFakeLog()
	a, err := client.New(context.Background(), log, client.Options{SelfID: "A", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer a.Close()
	b, err := client.New(context.Background(), log, client.Options{SelfID: "B", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	held, err := b.Lock(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, held.Held())
	assert.Equal(t, "shared", held.Path())

	got := make(chan *client.Lock, 1)
	go func() {
		l, err := a.Lock(ctx, "shared")
		assert.NoError(t, err)
		got <- l
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, held.Release(ctx))

	select {
	case l := <-got:
		require.NotNil(t, l)
		assert.True(t, l.Held())
		assert.False(t, held.Held())
	case <-time.After(5 * time.Second):
		t.Fatal("lock not handed over")
	}
}

func TestLockHonoursContext(t *testing.T) {
	log := newFakeLog()
	a, err := client.New(context.Background(), log, client.Options{SelfID: "A", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer a.Close()
	b, err := client.New(context.Background(), log, client.Options{SelfID: "B", RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Lock(context.Background(), "shared")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = a.Lock(ctx, "shared")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeSeesAppliedCommands(t *testing.T) {
	log := newFakeLog()
	c := newClient(t, log, clock.NewManual(t0), "A")

	var seen []types.CommandType
	var mu sync.Mutex
	cancel := c.Subscribe(func(ev fsm.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	defer cancel()

	_, err := c.TryAcquire(context.Background(), "p")
	require.NoError(t, err)
	require.NoError(t, c.Release(context.Background(), "p"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.CommandType{types.CommandTypeAcquire, types.CommandTypeRelease}, seen)
}
