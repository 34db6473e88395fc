package raftstate

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/shardkit/raft/internal/atomic"
	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/logstore"
	"github.com/shardkit/raft/internal/msgbus"
	"github.com/shardkit/raft/internal/raftpb"

	"go.etcd.io/etcd/pkg/v3/idutil"
)

// FSM is the caller-supplied state machine a group replicates commands
// for (spec.md §2 "State machine").
type FSM interface {
	Apply(data []byte)
	Snapshot() (io.Reader, error)
	Restore(r io.Reader) error
}

// Transport abstracts sending the wire RPCs to a peer at addr; callers
// (grpc, loopback) implement this over whatever connection they hold
// (spec.md §6).
type Transport interface {
	SendVote(ctx context.Context, addr string, req *raftpb.VoteReq) (*raftpb.VoteResp, error)
	SendAppendEntries(ctx context.Context, addr string, req *raftpb.AppendEntriesReq) (*raftpb.AppendEntriesResp, error)
	SendInstallSnapshot(ctx context.Context, addr string, req *raftpb.InstallSnapshotReq) (*raftpb.InstallSnapshotResp, error)
	SendPing(ctx context.Context, addr string, ping *raftpb.RaftPing) error
}

// Config is the set of parameters a single raft group is constructed
// with. The root package's functional options translate into this.
type Config struct {
	GroupID uint32
	LocalID uint64
	Address string

	Dir         string
	SegmentSize uint64

	TickInterval         time.Duration
	ElectionTimeoutMinMs int64
	ElectionTimeoutMaxMs int64
	HeartbeatIntervalMs  int64

	PreVote          bool
	CheckQuorum      bool
	SnapshotInterval uint64
	MaxEntriesPerMsg int

	Pool      *fiber.Pool
	Transport Transport
	FSM       FSM
}

func (c *Config) setDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.ElectionTimeoutMinMs == 0 {
		c.ElectionTimeoutMinMs = 150
	}
	if c.ElectionTimeoutMaxMs == 0 {
		c.ElectionTimeoutMaxMs = 300
	}
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = 50
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 1000
	}
	if c.MaxEntriesPerMsg == 0 {
		c.MaxEntriesPerMsg = 256
	}
}

// Raft is one group's Raft state machine: vote processing, replication,
// commit advancement, joint-consensus membership change, and
// linearizable reads (spec.md §2-§5).
//
// Every field below mu is mutated only while mu is held. A small set of
// timer-driven behaviors (election timeout, heartbeat ticking) and the
// logstore's blocking I/O are bridged through internal/fiber instead,
// matching the suspension points spec.md describes; wrapping every RPC
// handler itself as a fiber continuation would not add safety beyond the
// mutex (handlers already run from arbitrary transport goroutines) while
// multiplying the code size, so handlers stay plain mutex-guarded
// methods — see DESIGN.md.
type Raft struct {
	cfg   Config
	store *logstore.Store
	bus   *msgbus.MsgBus
	group *fiber.Group
	idgen *idutil.Generator

	started *atomic.Bool

	mu              sync.Mutex
	status          Status
	votedFor        uint64
	members         map[uint64]*Member
	preparedMembers map[uint64]*Member
	jointMode       bool
	tail            *tailCache
	appliedIndex    *atomic.Uint64
	lastContact     time.Time // last time a valid leader message was received
	electionEpoch   uint64    // bumped whenever the election fiber should reset its timer
	lastSnapIndex   uint64
	snapBuf         []byte // accumulates a chunked InstallSnapshot transfer

	// fsyncQueue/fsyncBatch/pendingFsync form the durability pipeline: any
	// goroutine appending to the log asks fsyncQueue (the one legal
	// cross-thread ingress) for a flush and blocks until it lands, while
	// fsyncCollectStep/fsyncForceStep run as fibers on this group's own
	// dispatcher, batching concurrent requests into one Force call
	// (spec.md §4.2 "Durability"). pendingFsync is touched only by those
	// two fibers, never across threads, so it needs no lock.
	fsyncQueue   *fiber.Channel
	fsyncBatch   *fiber.Condition
	pendingFsync []chan error
	durabilityWg sync.WaitGroup
}

// New constructs a group's Raft engine, restoring durable state from
// cfg.Dir.
func New(cfg Config) (*Raft, error) {
	cfg.setDefaults()
	if cfg.Pool == nil {
		return nil, fmt.Errorf("raftstate: Config.Pool is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("raftstate: Config.Transport is required")
	}
	if cfg.FSM == nil {
		return nil, fmt.Errorf("raftstate: Config.FSM is required")
	}

	store, res, err := logstore.Open(cfg.Dir, cfg.SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("raftstate: open log store: %w", err)
	}

	st, err := store.ReadStatus()
	if err != nil {
		return nil, fmt.Errorf("raftstate: read status file: %w", err)
	}

	group := cfg.Pool.NewGroup(fmt.Sprintf("raft-%d", cfg.GroupID))

	r := &Raft{
		cfg:          cfg,
		store:        store,
		bus:          msgbus.New(),
		group:        group,
		idgen:        idutil.NewGenerator(uint16(cfg.LocalID), time.Now()),
		started:      atomic.NewBool(),
		members:      make(map[uint64]*Member),
		tail:         newTailCache(1024),
		appliedIndex: atomic.NewUint64(),
		fsyncQueue:   fiber.NewChannel(group),
		fsyncBatch:   fiber.NewCondition(),
	}
	r.status = Status{
		ID:          cfg.LocalID,
		Term:        st.CurrentTerm,
		Role:        Follower,
		LastIndex:   res.LastIndex,
		CommitIndex: 0,
	}
	r.votedFor = st.VotedFor

	r.members[cfg.LocalID] = &Member{ID: cfg.LocalID, Address: cfg.Address, Type: raftpb.VoterMember}

	return r, nil
}

// Bootstrap seeds the group's membership before the first election; only
// valid before Start is called on a fresh (empty) log.
func (r *Raft) Bootstrap(members []raftpb.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range members {
		r.members[m.ID] = &Member{ID: m.ID, Address: m.Address, Type: m.Type}
	}
}

// Start launches the group's election-timeout fiber and marks the group
// ready to accept RPCs and proposals.
func (r *Raft) Start() error {
	if r.started.True() {
		return nil
	}
	r.started.Set()
	r.resetElectionDeadline()

	log.Infof("raftstate: group %d starting as follower, term %d", r.cfg.GroupID, r.status.Term)
	r.group.FireFiber(r.electionTimerStep)
	r.group.FireFiber(r.pingStep)
	r.group.FireFiber(r.fsyncCollectStep)
	r.group.FireFiber(r.fsyncForceStep)
	return nil
}

// Close shuts the group down: every fiber is released, any in-flight
// fsync goroutine is drained, and the msgbus/log-store teardown errors
// are combined with whatever reason the fiber group shut down for (which
// is non-nil only if a usage-contract violation killed it before Close
// was ever called).
func (r *Raft) Close() error {
	if r.started.False() {
		return nil
	}
	r.started.UnSet()

	r.group.Shutdown(nil)
	groupErr := r.group.Err()

	r.durabilityWg.Wait()

	return multierr.Combine(groupErr, r.bus.Close(), r.store.Close())
}

// Status returns a snapshot of the group's current Raft state.
func (r *Raft) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.LastApplied = r.appliedIndex.Get()
	if last, ok := r.store.LastIndex(); ok {
		st.LastIndex = last
	}
	return st
}

func (r *Raft) resetElectionDeadline() {
	r.mu.Lock()
	r.lastContact = time.Now()
	r.electionEpoch++
	r.mu.Unlock()
}

func (r *Raft) electionTimeout() time.Duration {
	span := r.cfg.ElectionTimeoutMaxMs - r.cfg.ElectionTimeoutMinMs
	if span <= 0 {
		span = 1
	}
	ms := r.cfg.ElectionTimeoutMinMs + rand.Int63n(span)
	return time.Duration(ms) * time.Millisecond
}

// electionTimerStep is the fiber body driving election timeouts: sleep
// for a randomized interval, then check whether a leader has been heard
// from since the epoch we started sleeping at (spec.md §4.3 "Election
// timing").
func (r *Raft) electionTimerStep(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
	r.mu.Lock()
	epochAtSleep := r.electionEpoch
	r.mu.Unlock()

	return fiber.Sleep(r.electionTimeout(), func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
		if !r.started.True() {
			return fiber.Return(nil)
		}

		r.mu.Lock()
		stale := r.electionEpoch == epochAtSleep && r.status.Role != Leader
		r.mu.Unlock()

		if stale {
			r.startElection()
		}

		return r.electionTimerStep(f, fiber.Result{})
	})
}

// heartbeatStep is the fiber body a leader runs to trigger periodic
// AppendEntries heartbeats to every peer. When CheckQuorum is set, it
// first checks that a quorum of voters has acknowledged within the lease
// horizon, stepping down rather than sending another heartbeat if not
// (spec.md §4.3 "Leaders step down on loss of quorum heartbeats within
// the lease horizon").
func (r *Raft) heartbeatStep(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
	interval := time.Duration(r.cfg.HeartbeatIntervalMs) * time.Millisecond
	return fiber.Sleep(interval, func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
		r.mu.Lock()
		isLeader := r.status.Role == Leader
		r.mu.Unlock()

		if !r.started.True() || !isLeader {
			return fiber.Return(nil)
		}

		if r.cfg.CheckQuorum {
			r.mu.Lock()
			horizon := time.Duration(r.cfg.ElectionTimeoutMinMs) * time.Millisecond
			active := r.quorumActiveLocked(horizon)
			r.mu.Unlock()
			if !active {
				log.Warnf("raftstate: group %d: no quorum ack within the lease horizon, stepping down", r.cfg.GroupID)
				r.stepDownForLostQuorum()
				return fiber.Return(nil)
			}
		}

		r.broadcastAppendEntries()
		return r.heartbeatStep(f, fiber.Result{})
	})
}

// quorumActiveLocked reports whether enough voters (honoring the joint
// dual-quorum during a membership transition) have acknowledged an
// AppendEntries within horizon of now, counting the local member as
// always active. mu must be held.
func (r *Raft) quorumActiveLocked(horizon time.Duration) bool {
	now := time.Now()
	oldQ, newQ := r.jointQuorumSizes()
	oldCount, newCount := 0, 0
	for id, m := range r.members {
		if m.Type != raftpb.VoterMember {
			continue
		}
		if id == r.cfg.LocalID || now.Sub(m.lastAck) <= horizon {
			oldCount++
		}
	}
	if r.jointMode {
		for id, m := range r.preparedMembers {
			if m.Type != raftpb.VoterMember {
				continue
			}
			if id == r.cfg.LocalID || now.Sub(m.lastAck) <= horizon {
				newCount++
			}
		}
	}
	if oldCount < oldQ {
		return false
	}
	if newQ > 0 && newCount < newQ {
		return false
	}
	return true
}

// pingStep runs independently of leadership: every member periodically
// advertises its own (voter, observer) id sets to every peer it knows
// about, so membershipFingerprintLocked mismatches (a stale peer, or one
// that missed a config change) surface as a log warning well before they
// would affect an election or a replication attempt (spec.md §4.5
// "Member manager").
func (r *Raft) pingStep(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
	interval := time.Duration(r.cfg.HeartbeatIntervalMs) * time.Millisecond * 4
	return fiber.Sleep(interval, func(f *fiber.Fiber, res fiber.Result) fiber.Outcome {
		if !r.started.True() {
			return fiber.Return(nil)
		}

		r.mu.Lock()
		var voters, observers []uint64
		var peers []*Member
		for id, m := range r.members {
			if m.Type == raftpb.ObserverMember {
				observers = append(observers, id)
			} else {
				voters = append(voters, id)
			}
			if id != r.cfg.LocalID {
				peers = append(peers, m)
			}
		}
		groupID, localID := r.cfg.GroupID, r.cfg.LocalID
		r.mu.Unlock()

		ping := &raftpb.RaftPing{GroupID: groupID, NodeID: localID, MemberIDs: voters, ObserverIDs: observers}
		for _, p := range peers {
			go func(addr string) {
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				defer cancel()
				if err := r.cfg.Transport.SendPing(ctx, addr, ping); err != nil {
					log.Debugf("raftstate: group %d: ping to %s failed: %v", groupID, addr, err)
				}
			}(p.Address)
		}

		return r.pingStep(f, fiber.Result{})
	})
}

func (r *Raft) quorumSize() int {
	voters := 0
	for _, m := range r.members {
		if m.Type == raftpb.VoterMember {
			voters++
		}
	}
	return voters/2 + 1
}

// jointQuorumSizes returns the (Cold, Cnew) quorum sizes during a joint
// consensus transition, or (quorum, 0) outside of one (spec.md §4.4).
func (r *Raft) jointQuorumSizes() (oldQ, newQ int) {
	oldQ = r.quorumSize()
	if !r.jointMode {
		return oldQ, 0
	}
	voters := 0
	for _, m := range r.preparedMembers {
		if m.Type == raftpb.VoterMember {
			voters++
		}
	}
	return oldQ, voters/2 + 1
}

func (r *Raft) nextChangeID() uint64 { return r.idgen.Next() }

// Members returns a snapshot of every member this group currently knows
// about, voters and observers alike.
func (r *Raft) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}

// GetMember looks up a single member by id.
func (r *Raft) GetMember(id uint64) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// LocalID returns this group's own member id.
func (r *Raft) LocalID() uint64 { return r.cfg.LocalID }

// Snapshot returns the current FSM snapshot stream, for callers exposing
// a manual snapshot-download path.
func (r *Raft) Snapshot() (io.Reader, error) {
	return r.cfg.FSM.Snapshot()
}
