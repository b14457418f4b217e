package fsm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/types"
)

// manages every lease namespace plus the replicated counter
// critical :
// - Apply is only ever called in log order, one command at a time
// - decisions depend only on the command and prior state, never on local time
// - local reads may run concurrently with Apply and see a stale prefix
type FSM struct {
	mu sync.RWMutex

	tables  map[string]*Table // namespace -> lease table
	counter int64

	subMu   sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

// NewFSM registers one lease table per namespace. Every replica must be built
// with the same namespaces and auto-unlock times.
func NewFSM(namespaces map[string]time.Duration) *FSM {
	f := &FSM{
		tables: make(map[string]*Table, len(namespaces)),
		subs:   make(map[uint64]func(Event)),
	}
	for ns, ttl := range namespaces {
		f.tables[ns] = NewTable(ns, ttl)
	}
	return f
}

// describes one applied command, delivered to subscribers in apply order
type Event struct {
	Type      types.CommandType
	Namespace string
	Path      string
	ClientID  string
	Time      time.Time
	Response  any
}

// applies a command to the FSM and returns the result or error
// lock decisions are results, not errors; errors mean the command itself is
// unusable on this replica
func (f *FSM) Apply(cmd types.Command) (any, error) {
	resp, ev, err := f.apply(cmd)
	if err != nil {
		return nil, err
	}
	f.publish(ev)
	return resp, nil
}

func (f *FSM) apply(cmd types.Command) (any, Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.AcquireCmd:
		return f.applyAcquire(c)
	case types.RenewCmd:
		return f.applyRenew(c)
	case types.ReleaseCmd:
		return f.applyRelease(c)
	case types.IncCounterCmd:
		f.counter++
		return f.counterResult(c)
	case types.ResetCounterCmd:
		f.counter = 0
		return f.counterResult(c)
	case types.AttachCmd:
		return f.applyAttach(c)
	default:
		return nil, Event{}, fmt.Errorf("%w: %T", types.ErrUnknownCommand, cmd)
	}
}

// returned when an acquire is applied
type AcquireResponse struct {
	Acquired bool `json:"acquired"`
}

func (f *FSM) applyAcquire(cmd types.AcquireCmd) (any, Event, error) {
	t, err := f.table(cmd.Namespace)
	if err != nil {
		return nil, Event{}, err
	}
	before := t.expired

	resp := AcquireResponse{Acquired: t.Acquire(cmd.Path, cmd.ClientID, cmd.Time)}

	f.observe(t, before)
	return resp, Event{
		Type:      cmd.Type(),
		Namespace: cmd.Namespace,
		Path:      cmd.Path,
		ClientID:  cmd.ClientID,
		Time:      cmd.Time,
		Response:  resp,
	}, nil
}

// returned when a renew is applied
type RenewResponse struct {
	Renewed int `json:"renewed"`
	Expired int `json:"expired"`
}

func (f *FSM) applyRenew(cmd types.RenewCmd) (any, Event, error) {
	t, err := f.table(cmd.Namespace)
	if err != nil {
		return nil, Event{}, err
	}
	before := t.expired

	renewed, expired := t.Renew(cmd.ClientID, cmd.Time)
	resp := RenewResponse{Renewed: renewed, Expired: expired}

	f.observe(t, before)
	return resp, Event{
		Type:      cmd.Type(),
		Namespace: cmd.Namespace,
		ClientID:  cmd.ClientID,
		Time:      cmd.Time,
		Response:  resp,
	}, nil
}

// returned when a release is applied
// Released is false when the caller was not the holder
type ReleaseResponse struct {
	Released bool `json:"released"`
}

func (f *FSM) applyRelease(cmd types.ReleaseCmd) (any, Event, error) {
	t, err := f.table(cmd.Namespace)
	if err != nil {
		return nil, Event{}, err
	}

	resp := ReleaseResponse{Released: t.Release(cmd.Path, cmd.ClientID)}

	metrics.LeasesActive.WithLabelValues(t.namespace).Set(float64(t.Len()))
	return resp, Event{
		Type:      cmd.Type(),
		Namespace: cmd.Namespace,
		Path:      cmd.Path,
		ClientID:  cmd.ClientID,
		Response:  resp,
	}, nil
}

// returned by counter commands
type CounterResponse struct {
	Value int64 `json:"value"`
}

func (f *FSM) counterResult(cmd types.Command) (any, Event, error) {
	metrics.ReplicatedCounter.Set(float64(f.counter))
	resp := CounterResponse{Value: f.counter}
	return resp, Event{Type: cmd.Type(), Response: resp}, nil
}

// returned when an attach is applied
type AttachResponse struct {
	Attached bool `json:"attached"`
}

func (f *FSM) applyAttach(cmd types.AttachCmd) (any, Event, error) {
	t, err := f.table(cmd.Namespace)
	if err != nil {
		return nil, Event{}, err
	}
	before := t.expired

	resp := AttachResponse{Attached: t.Attach(cmd.Path, cmd.ClientID, cmd.Time, cmd.Resources)}

	f.observe(t, before)
	return resp, Event{
		Type:      cmd.Type(),
		Namespace: cmd.Namespace,
		Path:      cmd.Path,
		ClientID:  cmd.ClientID,
		Time:      cmd.Time,
		Response:  resp,
	}, nil
}

func (f *FSM) table(namespace string) (*Table, error) {
	t, ok := f.tables[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownNamespace, namespace)
	}
	return t, nil
}

func (f *FSM) observe(t *Table, expiredBefore uint64) {
	if d := t.expired - expiredBefore; d > 0 {
		metrics.LeaseExpireTotal.WithLabelValues(t.namespace).Add(float64(d))
	}
	metrics.LeasesActive.WithLabelValues(t.namespace).Set(float64(t.Len()))
}

// Subscribe registers fn to be called after every applied command. Calls are
// made from the apply path, in log order, so fn must not block for long or
// submit commands synchronously.
func (f *FSM) Subscribe(fn func(Event)) (cancel func()) {
	f.subMu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.subMu.Unlock()

	return func() {
		f.subMu.Lock()
		delete(f.subs, id)
		f.subMu.Unlock()
	}
}

func (f *FSM) publish(ev Event) {
	f.subMu.Lock()
	ids := make([]uint64, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	f.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// IsOwned reports whether clientID holds a live lease on path at now.
func (f *FSM) IsOwned(namespace, path, clientID string, now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	return ok && t.IsOwned(path, clientID, now)
}

// IsAcquired reports whether path has any live holder at now.
func (f *FSM) IsAcquired(namespace, path string, now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	return ok && t.IsAcquired(path, now)
}

// Holder returns the live holder of path.
func (f *FSM) Holder(namespace, path string, now time.Time) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	if !ok {
		return "", false
	}
	return t.Holder(path, now)
}

// a live lease together with whatever its holder attached
type Member struct {
	Path      string          `json:"path"`
	Holder    string          `json:"holder"`
	Resources types.Resources `json:"resources"`
	Attached  bool            `json:"attached"`
}

// Members lists the live leases of a namespace sorted by path.
func (f *FSM) Members(namespace string, now time.Time) []Member {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	if !ok {
		return nil
	}

	paths := t.Live(now)
	out := make([]Member, 0, len(paths))
	for _, path := range paths {
		holder, _ := t.Holder(path, now)
		m := Member{Path: path, Holder: holder}
		if a, ok := t.Attachment(path, now); ok {
			m.Resources = a.Resources
			m.Attached = true
		}
		out = append(out, m)
	}
	return out
}

// Records returns the raw lock table of a namespace, expired records included.
func (f *FSM) Records(namespace string) map[string]types.LeaseRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	if !ok {
		return nil
	}
	return t.Records()
}

// AutoUnlockTime returns the ttl registered for namespace.
func (f *FSM) AutoUnlockTime(namespace string) (time.Duration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tables[namespace]
	if !ok {
		return 0, false
	}
	return t.ttl, true
}

func (f *FSM) Counter() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counter
}

// current fsm stats
type Stats struct {
	Leases  map[string]int `json:"leases"` // namespace -> records
	Counter int64          `json:"counter"`
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Stats{Leases: make(map[string]int, len(f.tables)), Counter: f.counter}
	for ns, t := range f.tables {
		s.Leases[ns] = t.Len()
	}
	return s
}
