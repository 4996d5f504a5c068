package vraft

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RaftAddr identifies a replica. The IPv4 address, port and logical id are
// packed into one uint64: ip in the high 32 bits, then port, then id.
type RaftAddr uint64

// NewRaftAddr packs an IPv4 address, port and logical id.
func NewRaftAddr(ip net.IP, port uint16, id uint16) (RaftAddr, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("%w: %s is not IPv4", ErrInvalidAddr, ip)
	}
	return RaftAddr(uint64(binary.BigEndian.Uint32(v4))<<32 | uint64(port)<<16 | uint64(id)), nil
}

// ParseRaftAddr parses the "ip:port:id" form.
func ParseRaftAddr(s string) (RaftAddr, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	ip := net.ParseIP(parts[0])
	if ip == nil {
		return 0, fmt.Errorf("%w: bad ip in %q", ErrInvalidAddr, s)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: bad port in %q", ErrInvalidAddr, s)
	}
	id, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id in %q", ErrInvalidAddr, s)
	}
	return NewRaftAddr(ip, uint16(port), uint16(id))
}

// MustParseRaftAddr is ParseRaftAddr for constants and tests.
func MustParseRaftAddr(s string) RaftAddr {
	a, err := ParseRaftAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IP returns the IPv4 part.
func (a RaftAddr) IP() net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(uint64(a)>>32))
	return ip
}

// Port returns the port part.
func (a RaftAddr) Port() uint16 { return uint16(uint64(a) >> 16) }

// ID returns the logical id.
func (a RaftAddr) ID() uint16 { return uint16(a) }

// HostPort returns "ip:port" for dialing.
func (a RaftAddr) HostPort() string {
	return net.JoinHostPort(a.IP().String(), strconv.Itoa(int(a.Port())))
}

// String returns the "ip:port:id" form.
func (a RaftAddr) String() string {
	if a == 0 {
		return "0.0.0.0:0:0"
	}
	return fmt.Sprintf("%s:%d:%d", a.IP(), a.Port(), a.ID())
}

// MarshalText implements encoding.TextMarshaler so JSON dumps show the text form.
func (a RaftAddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *RaftAddr) UnmarshalText(b []byte) error {
	v, err := ParseRaftAddr(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *RaftAddr) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}
