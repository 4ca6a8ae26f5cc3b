// Package perf consumes the per-CPU ring buffers that kernel BPF programs
// emit events into. Each Channel owns one perf event descriptor and its
// shared memory mapping; Read drains at most one record per call.
//
// A channel has exactly one producer (the kernel program running on its
// CPU) and must have at most one consumer goroutine. Channels for
// different CPUs are independent and may be drained concurrently.
package perf

import (
	"bytes"
	"errors"
)

var (
	// ErrUnsupported is returned when the platform cannot host perf channels.
	ErrUnsupported = errors.New("perf channels require a Linux kernel")

	// ErrPageCount rejects ring sizes the wraparound arithmetic cannot handle.
	ErrPageCount = errors.New("perf: page count must be a power of two")

	// ErrBadRecord reports a record header that cannot be trusted; the
	// stream is left untouched and should be torn down.
	ErrBadRecord = errors.New("perf: corrupted record header")

	// ErrClosed is returned when a channel is used after Close.
	ErrClosed = errors.New("perf: channel is closed")
)

// EventKind classifies the outcome of one Read call.
type EventKind int

const (
	// EventNone means the ring was empty; not an error.
	EventNone EventKind = iota

	// EventSample carries an opaque payload written by the kernel program.
	EventSample

	// EventLost reports records the kernel dropped due to backpressure.
	EventLost

	// EventUnknown is a well-formed record with an unrecognized type tag.
	// The stream continues past it.
	EventUnknown
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventSample:
		return "sample"
	case EventLost:
		return "lost"
	case EventUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Event is one decoded unit of the stream.
type Event struct {
	Kind EventKind
	CPU  int

	// Raw holds the record payload (the bytes after the record header).
	// It is only valid until the next Read on the same channel; callers
	// that retain it must Clone first.
	Raw []byte

	// LostID and LostCount are set for EventLost.
	LostID    uint64
	LostCount uint64

	// RecordType is the kernel's type tag, retained for EventUnknown.
	RecordType uint32
}

// Clone returns a copy of the event whose payload no longer aliases the
// ring's scratch buffer, so it stays valid across later reads on the same
// channel.
func (e Event) Clone() Event {
	e.Raw = bytes.Clone(e.Raw)
	return e
}

// SampleData unwraps the size-prefixed raw sample area of an EventSample:
// the kernel lays the payload out as a u32 length followed by that many
// bytes. Returns nil if the payload is not shaped that way.
func (e Event) SampleData() []byte {
	if e.Kind != EventSample || len(e.Raw) < 4 {
		return nil
	}
	n := int(le.Uint32(e.Raw[:4]))
	if n < 0 || 4+n > len(e.Raw) {
		return nil
	}
	return e.Raw[4 : 4+n]
}
