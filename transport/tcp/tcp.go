// Package tcp carries Raft messages over TCP. Each frame is the message
// envelope {body_bytes, type} followed by the body, so the receiver needs
// no extra framing.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/transport"
)

// ErrClosed is returned by Send after Stop.
var ErrClosed = errors.New("tcp: transport closed")

const defaultMaxFrame = 64 << 20

// Transport keeps one outbound connection per destination and accepts any
// number of inbound ones.
type Transport struct {
	listen       string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	maxFrame     int
	logger       vraft.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[vraft.RaftAddr]net.Conn
	inbound  map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New returns a stopped transport.
func New(cfg *transport.Config) *Transport {
	t := &Transport{
		listen:       cfg.Listen,
		dialTimeout:  time.Duration(cfg.DialTimeout) * time.Millisecond,
		writeTimeout: time.Duration(cfg.WriteTimeout) * time.Millisecond,
		maxFrame:     cfg.MaxFrame,
		logger:       cfg.Logger,
		conns:        make(map[vraft.RaftAddr]net.Conn),
		inbound:      make(map[net.Conn]struct{}),
	}
	if t.listen == "" {
		t.listen = cfg.Me.HostPort()
	}
	if t.dialTimeout == 0 {
		t.dialTimeout = time.Second
	}
	if t.writeTimeout == 0 {
		t.writeTimeout = time.Second
	}
	if t.maxFrame == 0 {
		t.maxFrame = defaultMaxFrame
	}
	if t.logger == nil {
		t.logger = vraft.NopLogger()
	}
	return t
}

// Addr returns the listen address, resolved once Start has run.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listen
}

// Start listens and hands every received frame to recv.
func (t *Transport) Start(recv func(data []byte)) error {
	ln, err := net.Listen("tcp", t.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listen, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln, recv)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener, recv func([]byte)) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			t.logger.Warn("accept: %v", err)
			continue
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn, recv)
	}
}

func (t *Transport) handleConn(conn net.Conn, recv func([]byte)) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := t.readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				t.logger.Debug("read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		recv(frame)
	}
}

// readFrame reads one envelope plus body and returns them together, the
// form vraft.DecodeMessage expects.
func (t *Transport) readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, vraft.EnvelopeSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n, _, err := vraft.DecodeEnvelope(hdr)
	if err != nil {
		return nil, err
	}
	if n > t.maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, t.maxFrame)
	}
	frame := make([]byte, vraft.EnvelopeSize+n)
	copy(frame, hdr)
	if _, err := io.ReadFull(r, frame[vraft.EnvelopeSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Send writes data to dest, dialing if no connection is cached. A failed
// write drops the connection; the next Send dials again.
func (t *Transport) Send(dest vraft.RaftAddr, data []byte) error {
	conn, err := t.conn(dest)
	if err != nil {
		return &transport.TransportError{Dest: dest, Err: err}
	}
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := conn.Write(data); err != nil {
		t.dropConn(dest, conn)
		return &transport.TransportError{Dest: dest, Err: err}
	}
	return nil
}

// conn returns the cached connection to dest. Writes to one destination are
// serialized by the caller's event loop, so a single connection suffices.
func (t *Transport) conn(dest vraft.RaftAddr) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := t.conns[dest]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	c, err := net.DialTimeout("tcp", dest.HostPort(), t.dialTimeout)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return nil, ErrClosed
	}
	if old, ok := t.conns[dest]; ok {
		c.Close()
		return old, nil
	}
	t.conns[dest] = c
	return c, nil
}

func (t *Transport) dropConn(dest vraft.RaftAddr, c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[dest]; ok && cur == c {
		delete(t.conns, dest)
	}
	c.Close()
}

// Drop closes the cached connection to dest, e.g. after it left the cluster.
func (t *Transport) Drop(dest vraft.RaftAddr) {
	t.mu.Lock()
	c, ok := t.conns[dest]
	delete(t.conns, dest)
	t.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Stop closes the listener and every connection and waits for the readers.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[vraft.RaftAddr]net.Conn)
	for c := range t.inbound {
		c.Close()
	}
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.wg.Wait()
	return err
}
