package vraft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func requireTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(data), name)
	}
}

func TestPackUnpackDir(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"CURRENT": "MANIFEST-1", "sub/000001.log": "data", "empty": ""}
	writeTree(t, filepath.Join(root, "src"), files)

	size, err := packDir(filepath.Join(root, "src"), filepath.Join(root, "img.tar"))
	require.NoError(t, err)
	assert.Positive(t, size)

	require.NoError(t, unpackDir(filepath.Join(root, "img.tar"), filepath.Join(root, "dst")))
	requireTree(t, filepath.Join(root, "dst"), files)
}

func TestSwapDir(t *testing.T) {
	root := t.TempDir()
	dst, src := filepath.Join(root, "sm"), filepath.Join(root, "sm.new")
	writeTree(t, dst, map[string]string{"old": "1"})
	writeTree(t, src, map[string]string{"new": "2"})

	require.NoError(t, swapDir(src, dst))
	requireTree(t, dst, map[string]string{"new": "2"})
	assert.NoFileExists(t, filepath.Join(dst, "old"))
	assert.NoDirExists(t, src)
	assert.NoDirExists(t, dst+".old")

	// A missing target is fine.
	writeTree(t, src, map[string]string{"x": "3"})
	require.NoError(t, os.RemoveAll(dst))
	require.NoError(t, swapDir(src, dst))
	requireTree(t, dst, map[string]string{"x": "3"})
}

func TestSnapshotManagerChunkedTransfer(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{"a": "alpha", "b/c": "gamma gamma gamma"}
	sender := NewSnapshotManager(filepath.Join(root, "send"), NopLogger())
	receiver := NewSnapshotManager(filepath.Join(root, "recv"), NopLogger())
	defer sender.Close()
	defer receiver.Close()

	rd, err := sender.OpenReader(addr2, 9, 3, 0x1234, func(dir string) error {
		writeTree(t, dir, files)
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, rd, sender.Reader(addr2))

	w, err := receiver.OpenWriter(addr1, rd.LastIndex, rd.LastTerm, rd.LastChk)
	require.NoError(t, err)

	ok, err := w.WriteAt(100, []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok, "out of order chunk")

	for {
		data, done, err := rd.Chunk(500)
		require.NoError(t, err)
		ok, err := w.WriteAt(rd.Offset, data)
		require.NoError(t, err)
		require.True(t, ok)
		rd.Offset = w.Stored
		if done {
			break
		}
	}
	assert.Equal(t, rd.Size, w.Stored)

	// Same snapshot keeps the writer, a different one starts over.
	same, err := receiver.OpenWriter(addr1, 9, 3, 0x1234)
	require.NoError(t, err)
	assert.Same(t, w, same)

	require.NoError(t, w.Finish())
	require.NoError(t, unpackDir(w.Path(), filepath.Join(root, "out")))
	requireTree(t, filepath.Join(root, "out"), files)

	other, err := receiver.OpenWriter(addr1, 12, 4, 0)
	require.NoError(t, err)
	assert.NotSame(t, w, other)
	assert.Zero(t, other.Stored)

	sender.RemovePeer(addr2)
	assert.Nil(t, sender.Reader(addr2))
}

// pump delivers messages between harnesses until none are left. Messages
// to an address in cut are dropped.
func pump(t *testing.T, hs []*harness, cut ...RaftAddr) {
	t.Helper()
	byAddr := make(map[RaftAddr]*harness, len(hs))
	for _, h := range hs {
		byAddr[h.raft.me] = h
	}
	dropped := make(map[RaftAddr]bool, len(cut))
	for _, a := range cut {
		dropped[a] = true
	}
	for round := 0; ; round++ {
		require.Less(t, round, 10000, "messages never settle")
		moved := false
		for _, h := range hs {
			for _, m := range h.take() {
				moved = true
				if dropped[m.To()] || dropped[m.From()] {
					continue
				}
				if dest := byAddr[m.To()]; dest != nil {
					dest.raft.Handle(m)
				}
			}
		}
		if !moved {
			return
		}
	}
}

func TestInstallSnapshotCatchesUpLaggingFollower(t *testing.T) {
	small := func(c *Config) {
		c.MaxLogEntries = 3
		c.SnapshotChunkSize = 128
	}
	h1 := newHarness(t, addr1, []RaftAddr{addr2, addr3}, small)
	h2 := newHarness(t, addr2, []RaftAddr{addr1, addr3}, small)
	h3 := newHarness(t, addr3, []RaftAddr{addr1, addr2}, small)
	all := []*harness{h1, h2, h3}

	h1.raft.onElectionTimeout()
	pump(t, all)
	require.Equal(t, Leader, h1.raft.State())
	require.Equal(t, uint64(1), h1.raft.CommitIndex())

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, h1.raft.Propose([]byte(v)))
		pump(t, all, addr3)
	}
	require.Equal(t, uint64(6), h1.raft.CommitIndex())

	h1.raft.onTick()
	require.True(t, h1.raft.Log().Empty(), "leader compacted its log")

	h1.raft.SendAppendEntries(addr3)
	pump(t, all)

	r1, r3 := h1.raft, h3.raft
	assert.Equal(t, r1.LastIndex(), r3.LastIndex())
	assert.Equal(t, r1.LastTerm(), r3.LastTerm())
	assert.Equal(t, r1.LastCheck(), r3.LastCheck(), "chain continues across the snapshot")
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, h3.sm.Values)
	assert.Equal(t, uint64(6), r3.LastApplied())
	assert.Nil(t, r1.snaps.Reader(addr3), "reader closed after the transfer")
	assert.Equal(t, uint64(6), r1.index.Get(addr3).MatchIndex)

	// Replication continues normally afterwards.
	require.NoError(t, r1.Propose([]byte("f")))
	pump(t, all)
	r1.SendAppendEntries(addr3) // carries the new commit index
	pump(t, all)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, h3.sm.Values)
}

func TestInstallSnapshotStaleIsAcknowledged(t *testing.T) {
	h := newHarness(t, addr2, []RaftAddr{addr1, addr3})
	r := h.raft
	r.Handle(&AppendEntries{Src: addr1, Dest: addr2, Term: 1, CommitIndex: 2,
		Entries: []LogEntry{dataEntry(1, "a"), dataEntry(1, "b")}})
	h.take()

	r.Handle(&InstallSnapshot{Src: addr1, Dest: addr2, Term: 1, LastIndex: 1, LastTerm: 1, Offset: 0, Data: []byte("xx"), Done: false})
	reply := lastOf[*InstallSnapshotReply](h)
	assert.True(t, reply.Success)
	assert.True(t, reply.Done)
	assert.Equal(t, uint64(2), reply.Stored)
	assert.Equal(t, []string{"a", "b"}, h.sm.Values)
}
