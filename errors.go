package vraft

import "errors"

// Errors returned to local callers. Protocol-level rejections never surface
// here; they travel back to the sender as reply fields.
var (
	// ErrNotLeader is returned when a leader-only operation runs on a follower or candidate.
	ErrNotLeader = errors.New("vraft: not the leader")

	// ErrNotStarted is returned when an operation is attempted on a replica that is not running.
	ErrNotStarted = errors.New("vraft: replica not started")

	// ErrChangeInFlight is returned when a membership change is requested while another is uncommitted.
	ErrChangeInFlight = errors.New("vraft: membership change in flight")

	// ErrAlreadyMember is returned by AddServer for an address that is already in the configuration.
	ErrAlreadyMember = errors.New("vraft: already a member")

	// ErrNotMember is returned for an address that is not in the configuration.
	ErrNotMember = errors.New("vraft: not a member")

	// ErrRemoveSelf is returned when the leader is asked to remove itself.
	ErrRemoveSelf = errors.New("vraft: cannot remove self")

	// ErrInvalidAddr is returned when an address cannot be parsed.
	ErrInvalidAddr = errors.New("vraft: invalid address")

	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("vraft: invalid configuration")

	// ErrCorrupt is returned when an encoded record or message is malformed.
	ErrCorrupt = errors.New("vraft: corrupt data")

	// ErrUnknownMessage is returned for an envelope with an unknown type tag.
	ErrUnknownMessage = errors.New("vraft: unknown message type")

	// ErrEmptyValue is returned when proposing an empty value.
	ErrEmptyValue = errors.New("vraft: empty value")
)
