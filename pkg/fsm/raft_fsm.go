package fsm

import (
	"encoding/json"
	"io"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM(namespaces map[string]time.Duration) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(namespaces),
	}
}

// returns the wrapped state machine for local reads and subscriptions
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

// the returned value is what raft hands back through ApplyFuture.Response:
// a typed response on success, an error otherwise
func (rf *RaftFSM) Apply(log *raft.Log) any {
	metrics.RaftAppliedIndex.Set(float64(log.Index))

	//s1 : decode the protowire command
	cmd, err := types.Decode(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply to the lease tables
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Tables:  make(map[string]tableSnapshot, len(rf.fsm.tables)),
		Counter: rf.fsm.counter,
	}

	//deep copy tables
	for ns, t := range rf.fsm.tables {
		ts := tableSnapshot{
			AutoUnlockTime: t.ttl,
			Records:        t.Records(),
			Attachments:    make(map[string]Attachment, len(t.attachments)),
		}
		for path, a := range t.attachments {
			ts.Attachments[path] = a
		}
		snapshot.Tables[ns] = ts
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	//namespaces this replica does not know keep the snapshot's ttl
	tables := make(map[string]*Table, len(rf.fsm.tables))
	for ns, t := range rf.fsm.tables {
		tables[ns] = NewTable(ns, t.ttl)
	}
	for ns, ts := range snap.Tables {
		t, ok := tables[ns]
		if !ok {
			t = NewTable(ns, ts.AutoUnlockTime)
			tables[ns] = t
		}
		for path, rec := range ts.Records {
			t.records[path] = rec
		}
		for path, a := range ts.Attachments {
			t.attachments[path] = a
		}
	}

	rf.fsm.tables = tables
	rf.fsm.counter = snap.Counter

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Tables  map[string]tableSnapshot `json:"tables"`
	Counter int64                    `json:"counter"`
}

type tableSnapshot struct {
	AutoUnlockTime time.Duration                `json:"auto_unlock_time"`
	Records        map[string]types.LeaseRecord `json:"records"`
	Attachments    map[string]Attachment        `json:"attachments"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
