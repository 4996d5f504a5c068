package vraft

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
me: 127.0.0.1:7000:1
peers:
  - 127.0.0.1:7001:2
  - 127.0.0.1:7002:3
path: /var/lib/vraft/1
election_timeout: 500ms
enable_pre_vote: true
interval_check: true
max_log_entries: 5000
`), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, addr1, cfg.Me)
	assert.Equal(t, []RaftAddr{addr2, addr3}, cfg.Peers)
	assert.Equal(t, 500*time.Millisecond, cfg.ElectionTimeout)
	assert.True(t, cfg.EnablePreVote)
	assert.True(t, cfg.IntervalCheck)
	assert.Equal(t, uint64(5000), cfg.MaxLogEntries)

	// Defaults fill the rest.
	assert.Equal(t, 100*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 64<<10, cfg.SnapshotChunkSize)
	assert.NotNil(t, cfg.Logger)
}

func TestLoadConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("me: not-an-addr\npath: x\n"), 0o644))
	_, err = LoadConfigFile(bad)
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return applyConfigDefaults(&Config{Me: addr1, Peers: []RaftAddr{addr2}, Path: "/tmp/x"})
	}
	require.NoError(t, valid().Validate())
	assert.False(t, valid().NoSync, "writes are durable unless disabled")

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing me", func(c *Config) { c.Me = 0 }},
		{"missing path", func(c *Config) { c.Path = "" }},
		{"heartbeat not below election timeout", func(c *Config) { c.HeartbeatInterval = c.ElectionTimeout }},
		{"self as peer", func(c *Config) { c.Peers = append(c.Peers, addr1) }},
		{"duplicate peer", func(c *Config) { c.Peers = append(c.Peers, addr2) }},
		{"standby with peers", func(c *Config) { c.Standby = true }},
		{"negative batch entries", func(c *Config) { c.MaxBatchEntries = -1 }},
		{"negative batch bytes", func(c *Config) { c.MaxBatchBytes = -1 }},
		{"negative chunk size", func(c *Config) { c.SnapshotChunkSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRaftConfigMembership(t *testing.T) {
	c := NewRaftConfig(addr1, []RaftAddr{addr3, addr1, addr2, addr3})
	assert.Equal(t, []RaftAddr{addr2, addr3}, c.Peers, "self dropped, sorted, deduplicated")
	assert.Equal(t, []RaftAddr{addr1, addr2, addr3}, c.Members())
	assert.True(t, c.Contains(addr1))
	assert.False(t, c.IsPeer(addr1))
	assert.Equal(t, 2, c.Quorum())

	addr4 := MustParseRaftAddr("127.0.0.1:7003:4")
	grown := c.With(addr4)
	assert.True(t, grown.IsPeer(addr4))
	assert.False(t, c.IsPeer(addr4), "With copies")
	assert.Equal(t, 3, grown.Quorum())

	added, removed, sign := c.Diff(grown)
	assert.Equal(t, []RaftAddr{addr4}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 1, sign)

	shrunk := c.Without(addr2)
	added, removed, sign = c.Diff(shrunk)
	assert.Empty(t, added)
	assert.Equal(t, []RaftAddr{addr2}, removed)
	assert.Equal(t, -1, sign)

	assert.Equal(t, c.Members(), c.Without(addr1).Members(), "self is never removed")

	added, removed, sign = c.Diff(c.Without(addr2).With(addr4))
	assert.Equal(t, []RaftAddr{addr4}, added)
	assert.Equal(t, []RaftAddr{addr2}, removed)
	assert.Equal(t, 0, sign, "a swap is neither growth nor shrink")
}

func TestRaftConfigEncoding(t *testing.T) {
	c := NewRaftConfig(addr1, []RaftAddr{addr2, addr3})
	data, err := c.MarshalBinary()
	require.NoError(t, err)

	// Another member decodes the same list from its own point of view.
	other, err := DecodeRaftConfig(addr2, data)
	require.NoError(t, err)
	assert.Equal(t, addr2, other.Me)
	assert.Equal(t, []RaftAddr{addr1, addr3}, other.Peers)
	assert.True(t, c.Equal(other))

	_, err = DecodeRaftConfig(addr1, data[:len(data)-1])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestQuorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		assert.Equal(t, want, Majority(n), "majority of %d", n)
	}
	assert.Equal(t, uint64(5), QuorumValue([]uint64{9, 5, 1}))
	assert.Equal(t, uint64(7), QuorumValue([]uint64{7, 9, 2, 8, 1}))
	assert.Equal(t, uint64(3), QuorumValue([]uint64{3}))
	assert.Equal(t, uint64(0), QuorumValue([]uint64(nil)))
}

func TestManagers(t *testing.T) {
	im := NewIndexManager()
	im.Reset([]RaftAddr{addr2, addr3}, 10)
	assert.Equal(t, uint64(11), im.Get(addr2).NextIndex)
	im.Get(addr2).MatchIndex = 8
	assert.Equal(t, uint64(8), im.MajorityMatch(12))
	im.Remove(addr2)
	assert.Nil(t, im.Get(addr2))
	assert.NotNil(t, im.Get(addr3))

	vm := NewVoteManager()
	vm.Reset([]RaftAddr{addr2, addr3})
	assert.Equal(t, 1, vm.Granted(), "self vote")
	vm.Record(addr2, true, true, false)
	vm.Record(MustParseRaftAddr("127.0.0.1:7009:9"), true, true, true)
	assert.Equal(t, 2, vm.Granted(), "untracked replies ignored")
	assert.Equal(t, 2, vm.PreVoteOK(false))
	assert.Equal(t, 1, vm.PreVoteOK(true), "interval check requires interval_ok")
	assert.False(t, vm.Get(addr3).Responded)

	var changes [][2]int
	cm := NewConfigManager(NewRaftConfig(addr1, nil), func(from, to *RaftConfig) {
		changes = append(changes, [2]int{len(from.Peers), len(to.Peers)})
	})
	cm.Set(NewRaftConfig(addr1, []RaftAddr{addr2}))
	assert.NotNil(t, cm.Previous())
	assert.True(t, cm.Rollback())
	assert.False(t, cm.Rollback(), "nothing left to roll back")
	cm.Set(NewRaftConfig(addr1, []RaftAddr{addr2}))
	cm.Commit()
	assert.Nil(t, cm.Previous())
	assert.Equal(t, [][2]int{{0, 1}, {1, 0}, {0, 1}}, changes)
}
