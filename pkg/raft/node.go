package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/metrics"
	"github.com/pixperk/holdfast/pkg/storage"
	"github.com/pixperk/holdfast/pkg/types"
)

// how often Apply looks for a leader while the cluster has none
const leaderPollInterval = 50 * time.Millisecond

// Forwarder delivers an encoded command to the current leader and returns the
// encoded response. It must report a leader that has stepped down with
// types.ErrNotLeader so the command can be retried, and a leader it could not
// reach with types.ErrLeaderUnreachable, which is only retried for idempotent
// commands.
type Forwarder interface {
	Forward(ctx context.Context, leaderID raft.ServerID, leaderAddr raft.ServerAddress, data []byte) ([]byte, error)
}

// wraps a raft inst with our fsm and provides the replicated log contract
// used by lease clients
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	storage   *storage.Storage
	cfg       *Config
	logger    hclog.Logger
	localAddr raft.ServerAddress

	fwdMu     sync.RWMutex
	forwarder Forwarder

	observer *raft.Observer
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Config struct {
	NodeID     string                   //node identity, defaults to BindAddr
	BindAddr   string                   //net addr to bind Raft communication
	DataDir    string                   //data directory for Raft storage
	InMemory   bool                     //keep log and snapshots in memory only
	Bootstrap  bool                     //bootstrap the cluster from Peers on first start
	Peers      []string                 //raft addresses of the other nodes, they double as their ids
	Namespaces map[string]time.Duration //lease namespaces and their auto-unlock times
	Forwarder  Forwarder                //how followers reach the leader, may be set later
	Logger     hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.BindAddr == "" {
		return nil, errors.New("bind address required")
	}
	if len(cfg.Namespaces) == 0 {
		return nil, errors.New("at least one lease namespace required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.BindAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "holdfast", Output: os.Stderr, Level: hclog.Info})
	}
	logger = logger.Named("raft")

	raftFSM := fsm.NewRaftFSM(cfg.Namespaces)
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	var (
		raftStorage *storage.Storage
		err         error
	)
	if cfg.InMemory {
		raftStorage = storage.NewInmemStorage()
	} else {
		if cfg.DataDir == "" {
			return nil, errors.New("data dir required unless running in memory")
		}
		raftStorage, err = storage.NewBoltDBStorage(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create stores: %w", err)
		}
	}

	bootstrap := cfg.Bootstrap
	if bootstrap {
		existing, err := raftStorage.HasState()
		if err != nil {
			raftStorage.Close()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if existing {
			logger.Info("existing raft state found, skipping bootstrap")
			bootstrap = false
		}
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		//let the listener pick the port and advertise what it got
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if bootstrap {
		servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range cfg.Peers {
			if peer == "" || peer == cfg.BindAddr || raft.ServerAddress(peer) == transport.LocalAddr() {
				continue
			}
			servers = append(servers, raft.Server{ID: raft.ServerID(peer), Address: raft.ServerAddress(peer)})
		}

		err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			raftStorage.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	n := &Node{
		raft:      r,
		fsm:       stateMachine,
		raftFSM:   raftFSM,
		storage:   raftStorage,
		cfg:       cfg,
		logger:    logger,
		localAddr: transport.LocalAddr(),
		forwarder: cfg.Forwarder,
		stopCh:    make(chan struct{}),
	}
	n.watchLeadership()

	return n, nil
}

// keeps the leader gauge and logs in step with raft's view of the leader
func (n *Node) watchLeadership() {
	obsCh := make(chan raft.Observation, 16)
	n.observer = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	n.raft.RegisterObserver(n.observer)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case o := <-obsCh:
				lo := o.Data.(raft.LeaderObservation)
				n.logger.Info("leader changed", "leader_id", lo.LeaderID, "leader_addr", lo.LeaderAddr)
				if n.IsLeader() {
					metrics.RaftIsLeader.Set(1)
				} else {
					metrics.RaftIsLeader.Set(0)
				}
				metrics.RaftPeers.Set(float64(n.GetClusterSize()))
			case <-n.stopCh:
				return
			}
		}
	}()
}

// sets how followers reach the leader
// the gRPC server needs the node before it exists, so this is settable late
func (n *Node) SetForwarder(f Forwarder) {
	n.fwdMu.Lock()
	n.forwarder = f
	n.fwdMu.Unlock()
}

func (n *Node) getForwarder() Forwarder {
	n.fwdMu.RLock()
	defer n.fwdMu.RUnlock()
	return n.forwarder
}

// apply a command to the Raft cluster
// blocks until the command is applied, the context ends, or the leader
// rejects it. without a deadline it waits for a leader indefinitely.
func (n *Node) Apply(ctx context.Context, cmd types.Command) (any, error) {
	data, err := types.Encode(cmd)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			if !n.LeaderKnown() {
				return nil, fmt.Errorf("%w: %w", types.ErrNoLeader, err)
			}
			return nil, err
		}

		if n.IsLeader() {
			resp, err := n.applyLocal(ctx, data)
			if errors.Is(err, raft.ErrNotLeader) {
				if werr := n.waitForLeader(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			return resp, err
		}

		leaderAddr, leaderID := n.raft.LeaderWithID()
		if leaderAddr == "" {
			if werr := n.waitForLeader(ctx); werr != nil {
				return nil, werr
			}
			continue
		}

		fwd := n.getForwarder()
		if fwd == nil {
			return nil, fmt.Errorf("%w: leader is %s and no forwarder is configured", types.ErrNotLeader, leaderID)
		}

		out, err := fwd.Forward(ctx, leaderID, leaderAddr, data)
		if err != nil {
			metrics.ForwardTotal.WithLabelValues("failure").Inc()
			if errors.Is(err, types.ErrNotLeader) || errors.Is(err, types.ErrNoLeader) {
				//leadership moved before the command was accepted
				if werr := n.waitForLeader(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			if errors.Is(err, types.ErrLeaderUnreachable) && cmd.Type().Idempotent() {
				//the leader may have applied it already, harmless to apply again
				if werr := n.waitForLeader(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("forward to leader %s: %w", leaderID, err)
		}
		metrics.ForwardTotal.WithLabelValues("success").Inc()

		return fsm.DecodeResponse(cmd.Type(), out)
	}
}

// ApplyEncoded applies a command received from a follower. Only the leader
// accepts it.
func (n *Node) ApplyEncoded(ctx context.Context, data []byte) ([]byte, error) {
	//reject garbage before it reaches the log
	if _, err := types.Decode(data); err != nil {
		return nil, err
	}
	if !n.IsLeader() {
		return nil, types.ErrNotLeader
	}

	resp, err := n.applyLocal(ctx, data)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, types.ErrNotLeader
		}
		return nil, err
	}
	return fsm.EncodeResponse(resp)
}

func (n *Node) applyLocal(ctx context.Context, data []byte) (any, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, timeout)

	done := make(chan error, 1)
	go func() { done <- future.Error() }()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		//the entry may still commit, callers treat this like a lost response
		return nil, ctx.Err()
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func (n *Node) waitForLeader(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", types.ErrNoLeader, ctx.Err())
	case <-n.stopCh:
		return raft.ErrRaftShutdown
	case <-time.After(leaderPollInterval):
		return nil
	}
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderKnown reports whether this node currently knows who leads the cluster.
func (n *Node) LeaderKnown() bool {
	addr, _ := n.raft.LeaderWithID()
	return addr != ""
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// returns the leader's id
func (n *Node) GetLeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

func (n *Node) GetNodeID() string {
	return n.cfg.NodeID
}

// LocalAddr is the raft address other nodes reach this one on.
func (n *Node) LocalAddr() string {
	return string(n.localAddr)
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// returns the number of servers in the latest configuration
func (n *Node) GetClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns the state machine for local reads
func (n *Node) FSM() *fsm.FSM {
	return n.fsm
}

// Subscribe registers fn for every command applied on this replica.
func (n *Node) Subscribe(fn func(fsm.Event)) (cancel func()) {
	return n.fsm.Subscribe(fn)
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.raft.DeregisterObserver(n.observer)
		err = n.raft.Shutdown().Error()
		n.wg.Wait()
		if cerr := n.storage.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
