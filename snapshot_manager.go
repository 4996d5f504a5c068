package vraft

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SnapshotReader streams one state machine image to one peer.
type SnapshotReader struct {
	LastIndex uint64
	LastTerm  uint64
	LastChk   uint32

	// Offset is the next byte to send, moved by the follower's replies.
	Offset uint64
	Size   uint64

	path string
	f    *os.File
}

// Chunk reads up to max bytes at Offset. done is set on the final chunk.
func (r *SnapshotReader) Chunk(max int) (data []byte, done bool, err error) {
	if r.Offset >= r.Size {
		return nil, true, nil
	}
	n := r.Size - r.Offset
	if n > uint64(max) {
		n = uint64(max)
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, int64(r.Offset)); err != nil && err != io.EOF {
		return nil, false, fmt.Errorf("read snapshot chunk at %d: %w", r.Offset, err)
	}
	return buf, r.Offset+n == r.Size, nil
}

func (r *SnapshotReader) close() {
	r.f.Close()
	os.Remove(r.path)
}

// SnapshotWriter receives one state machine image from the leader.
type SnapshotWriter struct {
	LastIndex uint64
	LastTerm  uint64
	LastChk   uint32

	// Stored is the number of bytes written so far.
	Stored uint64

	path string
	f    *os.File
}

// WriteAt appends data if offset continues what is stored. It returns false
// for any other offset so the leader can resume from Stored.
func (w *SnapshotWriter) WriteAt(offset uint64, data []byte) (bool, error) {
	if offset != w.Stored {
		return false, nil
	}
	if _, err := w.f.Write(data); err != nil {
		return false, fmt.Errorf("write snapshot chunk at %d: %w", offset, err)
	}
	w.Stored += uint64(len(data))
	return true, nil
}

// Path returns the file the image is written to.
func (w *SnapshotWriter) Path() string { return w.path }

// Finish flushes the file. The caller consumes Path and then closes the writer.
func (w *SnapshotWriter) Finish() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	return nil
}

func (w *SnapshotWriter) close() {
	w.f.Close()
	os.Remove(w.path)
}

// SnapshotManager owns at most one reader and one writer per peer.
type SnapshotManager struct {
	dir     string
	logger  Logger
	readers map[RaftAddr]*SnapshotReader
	writers map[RaftAddr]*SnapshotWriter
}

// NewSnapshotManager keeps transfer files under dir.
func NewSnapshotManager(dir string, logger Logger) *SnapshotManager {
	return &SnapshotManager{
		dir:     dir,
		logger:  logger,
		readers: make(map[RaftAddr]*SnapshotReader),
		writers: make(map[RaftAddr]*SnapshotWriter),
	}
}

func (sm *SnapshotManager) Reader(peer RaftAddr) *SnapshotReader { return sm.readers[peer] }

// OpenReader checkpoints the state machine through checkpoint and packs the
// image for peer, replacing any previous reader.
func (sm *SnapshotManager) OpenReader(peer RaftAddr, lastIndex, lastTerm uint64, lastChk uint32,
	checkpoint func(dir string) error) (*SnapshotReader, error) {
	sm.CloseReader(peer)
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return nil, err
	}
	stage := filepath.Join(sm.dir, fmt.Sprintf("send-%d.d", uint64(peer)))
	path := filepath.Join(sm.dir, fmt.Sprintf("send-%d.tar", uint64(peer)))
	if err := os.RemoveAll(stage); err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)
	if err := checkpoint(stage); err != nil {
		return nil, fmt.Errorf("checkpoint for %s: %w", peer, err)
	}
	size, err := packDir(stage, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &SnapshotReader{LastIndex: lastIndex, LastTerm: lastTerm, LastChk: lastChk, Size: uint64(size), path: path, f: f}
	sm.readers[peer] = r
	sm.logger.Info("snapshot for %s ready: index %d term %d, %d bytes", peer, lastIndex, lastTerm, size)
	return r, nil
}

func (sm *SnapshotManager) CloseReader(peer RaftAddr) {
	if r, ok := sm.readers[peer]; ok {
		r.close()
		delete(sm.readers, peer)
	}
}

func (sm *SnapshotManager) Writer(peer RaftAddr) *SnapshotWriter { return sm.writers[peer] }

// OpenWriter returns the writer for peer, replacing it when the incoming
// snapshot is a different one.
func (sm *SnapshotManager) OpenWriter(peer RaftAddr, lastIndex, lastTerm uint64, lastChk uint32) (*SnapshotWriter, error) {
	if w, ok := sm.writers[peer]; ok {
		if w.LastIndex == lastIndex && w.LastTerm == lastTerm {
			return w, nil
		}
		sm.CloseWriter(peer)
	}
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(sm.dir, fmt.Sprintf("recv-%d.tar", uint64(peer)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &SnapshotWriter{LastIndex: lastIndex, LastTerm: lastTerm, LastChk: lastChk, path: path, f: f}
	sm.writers[peer] = w
	return w, nil
}

func (sm *SnapshotManager) CloseWriter(peer RaftAddr) {
	if w, ok := sm.writers[peer]; ok {
		w.close()
		delete(sm.writers, peer)
	}
}

// RemovePeer drops both handles of peer.
func (sm *SnapshotManager) RemovePeer(peer RaftAddr) {
	sm.CloseReader(peer)
	sm.CloseWriter(peer)
}

// Close drops every handle.
func (sm *SnapshotManager) Close() {
	for p := range sm.readers {
		sm.CloseReader(p)
	}
	for p := range sm.writers {
		sm.CloseWriter(p)
	}
}
