package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// serialises commands into a real state machine, standing in for the log
type memLog struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	failAttaches int //next n attach commands fail in transit
	attaches     int
}

func newMemLog() *memLog {
	return &memLog{fsm: fsm.NewFSM(map[string]time.Duration{
		types.NamespaceLocks: ttl,
		types.NamespaceHosts: ttl,
	})}
}

func (l *memLog) Apply(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := cmd.(types.AttachCmd); ok {
		l.attaches++
		if l.failAttaches > 0 {
			l.failAttaches--
			return nil, errors.New("connection reset")
		}
	}
	return l.fsm.Apply(cmd)
}

func (l *memLog) failNextAttaches(n int) {
	l.mu.Lock()
	l.failAttaches = n
	l.mu.Unlock()
}

func (l *memLog) attachCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attaches
}

func (l *memLog) LeaderKnown() bool { return true }

func (l *memLog) FSM() *fsm.FSM { return l.fsm }

func newHostClient(t *testing.T, log client.Log, clk clock.Clock, selfID string) *client.Client {
	t.Helper()

	c, err := client.New(context.Background(), log, client.Options{
		Namespace:  types.NamespaceHosts,
		SelfID:     selfID,
		Clock:      clk,
		RetryDelay: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterPublishesResources(t *testing.T) {
	log := newMemLog()
	c := newHostClient(t, log, clock.NewManual(t0), "host-1:100")

	res := types.Resources{CPUs: 8, MemoryBytes: 16 << 30, GPUs: 2, Labels: map[string]string{"rack": "r1"}}
	reg := NewRegistry(c, RegistryOptions{Identity: "host-1", Resources: res})
	assert.False(t, reg.Registered())

	require.NoError(t, reg.Register(context.Background()))
	assert.True(t, reg.Registered())
	assert.Equal(t, "host-1", reg.Identity())

	members := reg.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "host-1", members[0].Path)
	assert.Equal(t, "host-1:100", members[0].Holder)
	assert.True(t, members[0].Attached)
	assert.Equal(t, res, members[0].Resources)

	updated := types.Resources{CPUs: 4}
	require.NoError(t, reg.Republish(context.Background(), updated))
	assert.Equal(t, updated, reg.Members()[0].Resources)
}

func TestIdentityDefaultsToSelfID(t *testing.T) {
	c := newHostClient(t, newMemLog(), clock.NewManual(t0), "host-9")
	reg := NewRegistry(c, RegistryOptions{})
	assert.Equal(t, "host-9", reg.Identity())
}

// TestRegisterOutlivesStaleIdentity tests a restarted node waits out the
// lease its crashed predecessor left behind
func TestRegisterOutlivesStaleIdentity(t *testing.T) {
	log := newMemLog()

	//previous instance of host-7, gone without releasing
	_, err := log.fsm.Apply(types.AcquireCmd{Namespace: types.NamespaceHosts, Path: "host-7", ClientID: "host-7:old", Time: t0})
	require.NoError(t, err)

	clk := clock.NewManual(t0.Add(time.Second))
	c := newHostClient(t, log, clk, "host-7:new")
	reg := NewRegistry(c, RegistryOptions{Identity: "host-7", Resources: types.Resources{CPUs: 1}})

	done := make(chan error, 1)
	go func() { done <- reg.Register(context.Background()) }()

	deadline := time.After(10 * time.Second)
	for registered := false; !registered; {
		select {
		case err := <-done:
			require.NoError(t, err)
			registered = true
		case <-deadline:
			t.Fatal("registration never succeeded")
		default:
			clk.Advance(50 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}

	assert.Greater(t, clk.Now().Sub(t0), ttl, "must not take over a live lease")

	members := reg.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "host-7:new", members[0].Holder)
	assert.Equal(t, 1, members[0].Resources.CPUs)
}

func TestRegisterHonoursContext(t *testing.T) {
	log := newMemLog()
	_, err := log.fsm.Apply(types.AcquireCmd{Namespace: types.NamespaceHosts, Path: "host-7", ClientID: "other", Time: t0})
	require.NoError(t, err)

	c := newHostClient(t, log, clock.NewManual(t0), "host-7:new")
	reg := NewRegistry(c, RegistryOptions{Identity: "host-7"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = reg.Register(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, reg.Registered())
}

func TestCloseDeregisters(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(t0)
	a := NewRegistry(newHostClient(t, log, clk, "a"), RegistryOptions{Identity: "node-a"})
	b := NewRegistry(newHostClient(t, log, clk, "b"), RegistryOptions{Identity: "node-b"})

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))
	require.Len(t, a.Members(), 2)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx), "second close is a no-op")
	assert.False(t, b.Registered())

	members := a.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "node-a", members[0].Path)
}

func TestRunReRegistersAfterLoss(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(t0)
	c := newHostClient(t, log, clk, "a")
	reg := NewRegistry(c, RegistryOptions{Identity: "node-a", CheckInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	require.Eventually(t, reg.Registered, 5*time.Second, 5*time.Millisecond)

	//someone releases the identity out from under us
	_, err := log.Apply(ctx, types.ReleaseCmd{Namespace: types.NamespaceHosts, Path: "node-a", ClientID: "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.Members()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFailedPublishGivesIdentityBack(t *testing.T) {
	log := newMemLog()
	c := newHostClient(t, log, clock.NewManual(t0), "a")
	reg := NewRegistry(c, RegistryOptions{Identity: "node-a", Resources: types.Resources{CPUs: 2}})

	log.failNextAttaches(1)
	err := reg.Register(context.Background())
	require.Error(t, err)

	assert.False(t, reg.Registered())
	assert.False(t, c.IsAcquired("node-a"), "identity must not stay held without resources")
	assert.Empty(t, c.Members())
}

func TestRunRetriesFailedRegistration(t *testing.T) {
	log := newMemLog()
	c := newHostClient(t, log, clock.NewManual(t0), "a")
	reg := NewRegistry(c, RegistryOptions{
		Identity:      "node-a",
		Resources:     types.Resources{CPUs: 2},
		CheckInterval: 10 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
	})

	log.failNextAttaches(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	require.Eventually(t, reg.Registered, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, log.attachCount(), "two failed attempts, then success")

	members := c.Members()
	require.Len(t, members, 1)
	assert.Equal(t, 2, members[0].Resources.CPUs)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAssign(t *testing.T) {
	a := Assign("node-b", []string{"node-c", "node-a", "node-b"})
	assert.Equal(t, 1, a.Ordinal)
	assert.Equal(t, 3, a.Size)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, a.Members)

	outsider := Assign("node-z", []string{"node-a"})
	assert.Equal(t, -1, outsider.Ordinal)
	assert.False(t, outsider.Owns("anything"))

	empty := Assign("node-a", nil)
	assert.Equal(t, -1, empty.Owner("x"))
	assert.False(t, empty.Owns("x"))
}

// TestEveryItemHasOneOwner tests the shards are disjoint and complete
func TestEveryItemHasOneOwner(t *testing.T) {
	members := []string{"n1", "n2", "n3", "n4"}
	assignments := make([]Assignment, len(members))
	for i, m := range members {
		assignments[i] = Assign(m, members)
	}

	perNode := make(map[string]int)
	for i := 0; i < 1000; i++ {
		item := fmt.Sprintf("job-%d", i)
		owners := 0
		for _, a := range assignments {
			if a.Owns(item) {
				owners++
				perNode[a.Self]++
			}
		}
		require.Equal(t, 1, owners, "item %s", item)
	}

	//the hash spreads work over every node
	for _, m := range members {
		assert.Greater(t, perNode[m], 100, "node %s", m)
	}

	//order of the input does not matter
	shuffled := Assign("n3", []string{"n4", "n3", "n2", "n1"})
	assert.True(t, shuffled.Equal(assignments[2]))
}

func TestPartitionerWatch(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(t0)
	a := NewRegistry(newHostClient(t, log, clk, "a"), RegistryOptions{Identity: "node-a"})
	bClient := newHostClient(t, log, clk, "b")
	b := NewRegistry(bClient, RegistryOptions{Identity: "node-b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Register(ctx))

	updates := make(chan Assignment, 16)
	p := NewPartitioner(bClient, "node-a", time.Hour)
	go p.Watch(ctx, func(as Assignment) { updates <- as })

	next := func() Assignment {
		select {
		case as := <-updates:
			return as
		case <-time.After(5 * time.Second):
			t.Fatal("no assignment update")
			return Assignment{}
		}
	}

	first := next()
	assert.Equal(t, 0, first.Ordinal)
	assert.Equal(t, 1, first.Size)

	require.NoError(t, b.Register(ctx))
	second := next()
	assert.Equal(t, []string{"node-a", "node-b"}, second.Members)
	assert.Equal(t, 2, second.Size)

	require.NoError(t, b.Close(ctx))
	third := next()
	assert.Equal(t, 1, third.Size)
}

func TestPartitionerNoticesLazyExpiry(t *testing.T) {
	log := newMemLog()
	clk := clock.NewManual(t0)
	c := newHostClient(t, log, clk, "a")

	_, err := log.fsm.Apply(types.AcquireCmd{Namespace: types.NamespaceHosts, Path: "node-gone", ClientID: "gone", Time: t0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan Assignment, 16)
	p := NewPartitioner(c, "node-a", 5*time.Millisecond)
	go p.Watch(ctx, func(as Assignment) { updates <- as })

	first := <-updates
	assert.Equal(t, 1, first.Size)

	//no command is applied, only the poll sees the expiry
	clk.Set(t0.Add(ttl + time.Second))

	select {
	case as := <-updates:
		assert.Equal(t, 0, as.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("expiry not noticed")
	}
}

func TestDetectResources(t *testing.T) {
	res, err := DetectResources(context.Background(), 2, map[string]string{"zone": "z1"})
	require.NoError(t, err)

	assert.Positive(t, res.CPUs)
	assert.Positive(t, res.MemoryBytes)
	assert.Equal(t, 2, res.GPUs)
	assert.Equal(t, "z1", res.Labels["zone"])
}
