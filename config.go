package raft

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/shardkit/raft/internal/bootstrap"
	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
	"github.com/shardkit/raft/internal/raftstate"
)

// Logger represents an active logging object that generates lines of
// output to an io.Writer.
type Logger = log.Logger

// Option configures a raft node using the functional options paradigm
// popularized by Rob Pike and Dave Cheney.
// If you're unfamiliar with this style,
// see https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html and
// https://dave.cheney.net/2014/10/17/functional-options-for-friendly-apis.
type Option interface {
	apply(c *config)
}

// StartOption configures how a node's groups are started.
type StartOption interface {
	apply(c *startConfig)
}

// optionFunc implements Option.
type optionFunc func(c *config)

func (fn optionFunc) apply(c *config) { fn(c) }

// startOptionFunc implements StartOption.
type startOptionFunc func(c *startConfig)

func (fn startOptionFunc) apply(c *startConfig) { fn(c) }

// WithLogger sets the logger used to generate lines of output.
func WithLogger(lg Logger) Option {
	return optionFunc(func(c *config) {
		log.SetLogger(lg)
	})
}

// WithTickInterval sets the tick interval recorded in the group's
// configuration. Neither the fiber scheduler nor the election/heartbeat
// timers read it; their timing comes from WithElectionTimeout and
// WithHeartbeatInterval.
//
// Default Value: 100ms.
func WithTickInterval(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.tickInterval = d
	})
}

// WithStateDir is the directory to store durable log segments and the
// status file.
//
// Default Value: os.TempDir().
func WithStateDir(dir string) Option {
	return optionFunc(func(c *config) {
		c.stateDir = dir
	})
}

// WithSegmentSize sets the fixed power-of-two size of each log segment
// file.
//
// Default Value: 64MiB.
func WithSegmentSize(size uint64) Option {
	return optionFunc(func(c *config) {
		c.segmentSize = size
	})
}

// WithSnapshotInterval is the number of applied entries between
// snapshots.
//
// Default Value: 1000.
func WithSnapshotInterval(i uint64) Option {
	return optionFunc(func(c *config) {
		c.snapInterval = i
	})
}

// WithElectionTimeout sets the randomized election-timeout range.
//
// Default Value: 150ms-300ms.
func WithElectionTimeout(min, max time.Duration) Option {
	return optionFunc(func(c *config) {
		c.electionMin = min
		c.electionMax = max
	})
}

// WithHeartbeatInterval sets the leader's AppendEntries heartbeat
// interval.
//
// Default Value: 50ms.
func WithHeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.heartbeat = d
	})
}

// WithMaxEntriesPerMsg limits how many log entries are packed into a
// single AppendEntries RPC.
//
// Default Value: 256.
func WithMaxEntriesPerMsg(max int) Option {
	return optionFunc(func(c *config) {
		c.maxEntriesPerMsg = max
	})
}

// WithCheckQuorum specifies if the leader should step down once it stops
// hearing from a quorum of followers.
//
// Default Value: false.
func WithCheckQuorum() Option {
	return optionFunc(func(c *config) {
		c.checkQuorum = true
	})
}

// WithPreVote enables the Pre-Vote phase described in the Raft thesis
// section 9.6, preventing a partitioned-away member from disrupting the
// cluster's term on rejoin.
//
// Default Value: false.
func WithPreVote() Option {
	return optionFunc(func(c *config) {
		c.preVote = true
	})
}

// WithActiveWindow sets how long a member is considered active after its
// most recent RaftPing, used by Cluster.IsAvailable/LongestActive.
//
// Default Value: 5s.
func WithActiveWindow(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.activeWindow = d
	})
}

// WithContext sets the node's parent context, controlling the lifetime
// of background fibers and outbound RPCs.
//
// Default Value: context.Background().
func WithContext(ctx context.Context) Option {
	return optionFunc(func(c *config) {
		c.ctx = ctx
	})
}

// WithTransport sets the Transport used to reach remote peers. Provide
// transport/grpc.NewTransport() for a real network, or
// transport/loopback.NewTransport() in tests.
func WithTransport(t raftstate.Transport) Option {
	return optionFunc(func(c *config) {
		c.transport = t
	})
}

// WithPool sets the fiber.Pool dispatching this node's groups. Multiple
// nodes sharing a process may share one Pool.
func WithPool(p *fiber.Pool) Option {
	return optionFunc(func(c *config) {
		c.pool = p
	})
}

// WithBootstrapMembers seeds the group's membership before the first
// Start, for a cluster whose peers are all known up front.
func WithBootstrapMembers(members ...RawMember) StartOption {
	return startOptionFunc(func(c *startConfig) {
		for _, m := range members {
			c.members = append(c.members, raftpb.Member{ID: m.ID, Address: m.Address, Type: m.Type})
		}
	})
}

// WithBootstrapFile loads the group's initial membership from a static
// peers.yaml file instead of passing members inline.
func WithBootstrapFile(path string) StartOption {
	return startOptionFunc(func(c *startConfig) {
		c.bootstrapFile = path
	})
}

type startConfig struct {
	members       []raftpb.Member
	bootstrapFile string
}

func (c *startConfig) apply(opts ...StartOption) {
	for _, opt := range opts {
		opt.apply(c)
	}
}

func (c *startConfig) resolveMembers() ([]raftpb.Member, error) {
	members := append([]raftpb.Member(nil), c.members...)
	if c.bootstrapFile != "" {
		f, err := bootstrap.Load(c.bootstrapFile)
		if err != nil {
			return nil, err
		}
		members = append(members, f.Members()...)
	}
	return members, nil
}

type config struct {
	ctx context.Context

	groupID uint32
	localID uint64
	address string

	stateDir    string
	segmentSize uint64

	tickInterval     time.Duration
	electionMin      time.Duration
	electionMax      time.Duration
	heartbeat        time.Duration
	snapInterval     uint64
	maxEntriesPerMsg int
	checkQuorum      bool
	preVote          bool
	activeWindow     time.Duration

	transport raftstate.Transport
	pool      *fiber.Pool
	fsm       StateMachine
}

func newConfig(groupID uint32, localID uint64, address string, opts ...Option) *config {
	c := &config{
		ctx:              context.Background(),
		groupID:          groupID,
		localID:          localID,
		address:          address,
		stateDir:         os.TempDir(),
		segmentSize:      64 << 20,
		tickInterval:     100 * time.Millisecond,
		electionMin:      150 * time.Millisecond,
		electionMax:      300 * time.Millisecond,
		heartbeat:        50 * time.Millisecond,
		snapInterval:     1000,
		maxEntriesPerMsg: 256,
		activeWindow:     5 * time.Second,
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	return c
}

func (c *config) raftstateConfig() raftstate.Config {
	return raftstate.Config{
		GroupID:              c.groupID,
		LocalID:              c.localID,
		Address:              c.address,
		Dir:                  c.stateDir,
		SegmentSize:          c.segmentSize,
		TickInterval:         c.tickInterval,
		ElectionTimeoutMinMs: c.electionMin.Milliseconds(),
		ElectionTimeoutMaxMs: c.electionMax.Milliseconds(),
		HeartbeatIntervalMs:  c.heartbeat.Milliseconds(),
		PreVote:              c.preVote,
		CheckQuorum:          c.checkQuorum,
		SnapshotInterval:     c.snapInterval,
		MaxEntriesPerMsg:     c.maxEntriesPerMsg,
		Pool:                 c.pool,
		Transport:            c.transport,
		FSM:                  fsmAdapter{c.fsm},
	}
}

// fsmAdapter adapts the public StateMachine interface to
// internal/raftstate.FSM, keeping that internal package decoupled from
// the root package's exported types.
type fsmAdapter struct {
	fsm StateMachine
}

func (a fsmAdapter) Apply(data []byte)            { a.fsm.Apply(data) }
func (a fsmAdapter) Snapshot() (io.Reader, error) { return a.fsm.Snapshot() }
func (a fsmAdapter) Restore(r io.Reader) error    { return a.fsm.Restore(r) }
