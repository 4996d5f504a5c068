package transport

import (
	"fmt"

	"github.com/ueisele/vraft"
)

// Transport moves encoded Raft messages between replicas. Delivery is one
// way and best effort: replies travel as separate messages and Raft retries
// on its own timers.
type Transport interface {
	// Send queues data for dest. It does not wait for the peer.
	Send(dest vraft.RaftAddr, data []byte) error

	// Start begins accepting messages and hands each one to recv.
	Start(recv func(data []byte)) error

	// Stop closes every connection.
	Stop() error

	// Addr returns the address the transport listens on.
	Addr() string
}

// Config holds transport configuration.
type Config struct {
	// Me is the local replica; its ip:port is the listen address.
	Me vraft.RaftAddr

	// Listen overrides the listen address, e.g. "0.0.0.0:7000".
	Listen string

	// DialTimeout and WriteTimeout default to one second.
	DialTimeout  int // milliseconds
	WriteTimeout int // milliseconds

	// MaxFrame bounds an incoming message body; 0 means 64 MiB.
	MaxFrame int

	Logger vraft.Logger
}

// TransportError reports a failed send.
type TransportError struct {
	Dest vraft.RaftAddr
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error to %s: %v", e.Dest, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
