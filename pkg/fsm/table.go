package fsm

import (
	"sort"
	"time"

	"github.com/pixperk/holdfast/pkg/types"
)

// a table is the lease state machine of one namespace
// every mutation takes its time from the command being applied, so replicas
// applying the same log reach the same state. expiry is lazy: a record past
// its ttl stays in the map until some command looks at it.
// Table is not safe for concurrent use, FSM serialises access.
type Table struct {
	namespace string
	ttl       time.Duration

	records     map[string]types.LeaseRecord // path -> holder
	attachments map[string]Attachment        // path -> payload published by the holder

	expired uint64 // records dropped after expiry, for metrics
}

// payload a holder published next to its lease
type Attachment struct {
	Holder    string          `json:"holder"`
	Resources types.Resources `json:"resources"`
}

func NewTable(namespace string, ttl time.Duration) *Table {
	return &Table{
		namespace:   namespace,
		ttl:         ttl,
		records:     make(map[string]types.LeaseRecord),
		attachments: make(map[string]Attachment),
	}
}

func (t *Table) Namespace() string { return t.namespace }

// AutoUnlockTime is how long a record lives without renewal.
func (t *Table) AutoUnlockTime() time.Duration { return t.ttl }

// Acquire takes the path for clientID if it is free, already ours, or held by
// a lease that has expired at the command time.
func (t *Table) Acquire(path, clientID string, at time.Time) bool {
	if rec, held := t.records[path]; held {
		if rec.Expired(at, t.ttl) {
			t.remove(path, true)
		} else if rec.Holder != clientID {
			return false
		}
	}

	t.records[path] = types.LeaseRecord{Holder: clientID, RenewedAt: at}
	return true
}

// Renew refreshes every live record of clientID and drops every record, of
// any holder, that has expired at the command time. An expired record of
// clientID is dropped, not refreshed.
func (t *Table) Renew(clientID string, at time.Time) (renewed, expired int) {
	for path, rec := range t.records {
		if rec.Expired(at, t.ttl) {
			t.remove(path, true)
			expired++
			continue
		}
		if rec.Holder == clientID {
			rec.RenewedAt = at
			t.records[path] = rec
			renewed++
		}
	}
	return renewed, expired
}

// Release drops the record only when clientID holds it.
func (t *Table) Release(path, clientID string) bool {
	rec, held := t.records[path]
	if !held || rec.Holder != clientID {
		return false
	}
	t.remove(path, false)
	return true
}

// Attach stores res next to path when clientID holds a live lease on it.
func (t *Table) Attach(path, clientID string, at time.Time, res types.Resources) bool {
	rec, held := t.records[path]
	if !held {
		return false
	}
	if rec.Expired(at, t.ttl) {
		t.remove(path, true)
		return false
	}
	if rec.Holder != clientID {
		return false
	}
	t.attachments[path] = Attachment{Holder: clientID, Resources: res}
	return true
}

func (t *Table) remove(path string, expired bool) {
	delete(t.records, path)
	delete(t.attachments, path)
	if expired {
		t.expired++
	}
}

// IsOwned reports whether clientID holds a live lease on path at now.
func (t *Table) IsOwned(path, clientID string, now time.Time) bool {
	rec, held := t.records[path]
	return held && rec.Holder == clientID && !rec.Expired(now, t.ttl)
}

// IsAcquired reports whether anyone holds a live lease on path at now.
func (t *Table) IsAcquired(path string, now time.Time) bool {
	rec, held := t.records[path]
	return held && !rec.Expired(now, t.ttl)
}

// Holder returns the live holder of path.
func (t *Table) Holder(path string, now time.Time) (string, bool) {
	rec, held := t.records[path]
	if !held || rec.Expired(now, t.ttl) {
		return "", false
	}
	return rec.Holder, true
}

// Live returns the paths with a live holder at now, sorted.
func (t *Table) Live(now time.Time) []string {
	paths := make([]string, 0, len(t.records))
	for path, rec := range t.records {
		if !rec.Expired(now, t.ttl) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Attachment returns the payload of path if its lease is live at now.
func (t *Table) Attachment(path string, now time.Time) (Attachment, bool) {
	rec, held := t.records[path]
	if !held || rec.Expired(now, t.ttl) {
		return Attachment{}, false
	}
	a, ok := t.attachments[path]
	if !ok || a.Holder != rec.Holder {
		return Attachment{}, false
	}
	return a, true
}

// Records returns a copy of the raw table, expired records included.
func (t *Table) Records() map[string]types.LeaseRecord {
	out := make(map[string]types.LeaseRecord, len(t.records))
	for path, rec := range t.records {
		out[path] = rec
	}
	return out
}

func (t *Table) Len() int { return len(t.records) }
