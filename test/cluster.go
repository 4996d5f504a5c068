package test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/transport"
)

// ClusterConfig holds configuration for creating a test cluster.
type ClusterConfig struct {
	Size              int
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	EnablePreVote     bool
	IntervalCheck     bool
	MaxLogEntries     uint64
	SnapshotChunkSize int
	Trace             bool
}

// DefaultClusterConfig returns timings that keep tests fast but stable.
func DefaultClusterConfig(size int) *ClusterConfig {
	return &ClusterConfig{
		Size:              size,
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		TickInterval:      100 * time.Millisecond,
		MaxLogEntries:     10000,
	}
}

// Cluster is a set of replicas wired through one in-memory Network. Each
// replica keeps its directory across Stop and Restart.
type Cluster struct {
	t   testing.TB
	cfg *ClusterConfig
	Net *Network

	Addrs      []vraft.RaftAddr
	Dirs       []string
	Nodes      []*vraft.Node // nil while stopped
	transports []transport.Transport
	standby    []bool
}

// Addr returns the address of the i-th test replica.
func Addr(i int) vraft.RaftAddr {
	a, err := vraft.NewRaftAddr(net.IPv4(127, 0, 0, 1), uint16(7000+i), uint16(i+1))
	if err != nil {
		panic(err)
	}
	return a
}

// NewCluster creates Size replicas that know each other. None is started.
func NewCluster(t testing.TB, cfg *ClusterConfig) *Cluster {
	c := &Cluster{t: t, cfg: cfg, Net: NewNetwork()}
	for i := 0; i < cfg.Size; i++ {
		c.Addrs = append(c.Addrs, Addr(i))
	}
	for i := 0; i < cfg.Size; i++ {
		c.Dirs = append(c.Dirs, t.TempDir())
		c.Nodes = append(c.Nodes, nil)
		c.transports = append(c.transports, nil)
		c.standby = append(c.standby, false)
		c.open(i)
	}
	t.Cleanup(c.Close)
	return c
}

func (c *Cluster) nodeConfig(i int) *vraft.Config {
	var peers []vraft.RaftAddr
	if !c.standby[i] {
		for j, a := range c.Addrs[:c.cfg.Size] {
			if j != i {
				peers = append(peers, a)
			}
		}
	}
	logger := zaptest.NewLogger(c.t, zaptest.Level(zap.InfoLevel))
	return &vraft.Config{
		Me:                c.Addrs[i],
		Peers:             peers,
		Standby:           c.standby[i],
		Path:              c.Dirs[i],
		ElectionTimeout:   c.cfg.ElectionTimeout,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		TickInterval:      c.cfg.TickInterval,
		EnablePreVote:     c.cfg.EnablePreVote,
		IntervalCheck:     c.cfg.IntervalCheck,
		MaxLogEntries:     c.cfg.MaxLogEntries,
		SnapshotChunkSize: c.cfg.SnapshotChunkSize,
		Trace:             c.cfg.Trace,
		NoSync:            true,
		Seed:              int64(i + 1),
		Logger:            vraft.NewZapLogger(logger, c.Addrs[i]),
	}
}

func (c *Cluster) open(i int) {
	tr := c.Net.Transport(c.Addrs[i])
	node, err := vraft.NewNode(c.nodeConfig(i), tr.Send, NewRecordingStateMachine)
	require.NoError(c.t, err)
	require.NoError(c.t, tr.Start(node.Receive))
	c.Nodes[i], c.transports[i] = node, tr
}

// StartAll starts every replica.
func (c *Cluster) StartAll() {
	for i := range c.Nodes {
		c.Start(i)
	}
}

// Start starts replica i, reopening it first if it was stopped.
func (c *Cluster) Start(i int) {
	if c.Nodes[i] == nil {
		c.open(i)
	}
	require.NoError(c.t, c.Nodes[i].Start())
}

// Stop closes replica i. Its directory survives for Restart.
func (c *Cluster) Stop(i int) {
	if c.Nodes[i] == nil {
		return
	}
	require.NoError(c.t, c.transports[i].Stop())
	require.NoError(c.t, c.Nodes[i].Stop())
	c.Nodes[i], c.transports[i] = nil, nil
}

// Restart stops and starts replica i over its existing directory.
func (c *Cluster) Restart(i int) {
	c.Stop(i)
	c.Start(i)
}

// AddStandby creates and starts a replica with no peers, waiting to be added.
func (c *Cluster) AddStandby() int {
	i := len(c.Addrs)
	c.Addrs = append(c.Addrs, Addr(i))
	c.Dirs = append(c.Dirs, c.t.TempDir())
	c.Nodes = append(c.Nodes, nil)
	c.transports = append(c.transports, nil)
	c.standby = append(c.standby, true)
	c.Start(i)
	return i
}

// Close stops every running replica.
func (c *Cluster) Close() {
	for i := range c.Nodes {
		if c.Nodes[i] != nil {
			c.transports[i].Stop()
			c.Nodes[i].Stop()
			c.Nodes[i] = nil
		}
	}
}

// Running returns the indexes of started replicas.
func (c *Cluster) Running() []int {
	var idx []int
	for i, n := range c.Nodes {
		if n != nil {
			idx = append(idx, i)
		}
	}
	return idx
}

// Status returns replica i's status.
func (c *Cluster) Status(i int) vraft.Status {
	s, err := c.Nodes[i].Status()
	require.NoError(c.t, err)
	return s
}

// Leader returns the running replica that leads the highest term.
func (c *Cluster) Leader() (int, bool) {
	leader, term := -1, uint64(0)
	for _, i := range c.Running() {
		s := c.Status(i)
		if s.State == vraft.Leader && s.Term >= term {
			leader, term = i, s.Term
		}
	}
	return leader, leader >= 0
}

// Leaders returns every running replica that believes it leads, per term.
func (c *Cluster) Leaders() map[uint64][]int {
	leaders := make(map[uint64][]int)
	for _, i := range c.Running() {
		if s := c.Status(i); s.State == vraft.Leader {
			leaders[s.Term] = append(leaders[s.Term], i)
		}
	}
	return leaders
}

// LeaderTimes sums LeaderTimes over running replicas.
func (c *Cluster) LeaderTimes() uint64 {
	var n uint64
	for _, i := range c.Running() {
		n += c.Status(i).LeaderTimes
	}
	return n
}

// Values returns what replica i's state machine applied.
func (c *Cluster) Values(i int) []string {
	var vals []string
	require.NoError(c.t, c.Nodes[i].Do(func(r *vraft.Raft) {
		if sm, ok := r.StateMachine().(*RecordingStateMachine); ok {
			vals = sm.Values()
		}
	}))
	return vals
}

// Propose proposes value on the current leader.
func (c *Cluster) Propose(value string) error {
	i, ok := c.Leader()
	if !ok {
		return vraft.ErrNotLeader
	}
	return c.Nodes[i].Propose([]byte(value))
}
