//go:build linux

package perf

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Channel is one open, enabled kernel event source bound to one CPU,
// together with its shared ring mapping. A Channel is either fully usable
// (open, mapped, enabled) or closed; OpenChannel never returns a partial
// one.
type Channel struct {
	cpu     int
	fd      int
	mapping []byte
	meta    *unix.PerfEventMmapPage
	reader  ringReader
	closed  bool
}

// OpenChannel opens a software-dispatched perf event source on the given
// CPU, maps pageCount data pages plus the metadata page over it, and
// enables delivery. Every emitted record wakes the descriptor (sample
// period 1, wakeup on each event) and carries its payload as raw bytes.
//
// pageCount must be a power of two; the ring offset arithmetic depends on
// it, so anything else is rejected up front.
func OpenChannel(cpu, pageCount int) (*Channel, error) {
	if pageCount <= 0 || pageCount&(pageCount-1) != 0 {
		return nil, fmt.Errorf("%w, got %d", ErrPageCount, pageCount)
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Sample:      1,
		Wakeup:      1,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf: open event source for cpu %d: %w", cpu, err)
	}

	pageSize := os.Getpagesize()
	mapping, err := unix.Mmap(fd, 0, pageSize*(pageCount+1),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("perf: map ring for cpu %d: %w", cpu, err)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		_ = unix.Munmap(mapping)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("perf: enable cpu %d: %w", cpu, err)
	}

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&mapping[0]))
	ch := &Channel{
		cpu:     cpu,
		fd:      fd,
		mapping: mapping,
		meta:    meta,
		reader: ringReader{
			head: &meta.Data_head,
			tail: &meta.Data_tail,
			dec:  ringDecoder{data: mapping[pageSize:]},
		},
	}
	return ch, nil
}

// CPU returns the CPU index this channel is bound to.
func (ch *Channel) CPU() int { return ch.cpu }

// FD returns the underlying perf event descriptor. It stays owned by the
// channel; callers may poll it for readability but must not close it.
func (ch *Channel) FD() int { return ch.fd }

// Read drains at most one record from the ring and returns the classified
// event. An empty ring yields Kind EventNone with no side effects; callers
// draining a burst call Read repeatedly until then. A header whose length
// cannot be trusted yields ErrBadRecord and leaves the cursor in place.
//
// Read must not be called concurrently with itself or Close.
func (ch *Channel) Read() (Event, error) {
	if ch.closed {
		return Event{}, ErrClosed
	}
	return ch.reader.read(ch.cpu)
}

// Close tears the channel down in fixed order: disable delivery, unmap the
// ring, release the descriptor. Every step runs even if an earlier one
// fails, and closing twice is a no-op.
func (ch *Channel) Close() error {
	if ch.closed {
		return nil
	}
	ch.closed = true

	var errs []error

	if err := unix.IoctlSetInt(ch.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		errs = append(errs, fmt.Errorf("perf: disable cpu %d: %w", ch.cpu, err))
	}

	// The mapping must go before the descriptor: unmapping memory of a
	// closed descriptor is undefined.
	if ch.mapping != nil {
		if err := unix.Munmap(ch.mapping); err != nil {
			errs = append(errs, fmt.Errorf("perf: unmap cpu %d: %w", ch.cpu, err))
		}
		ch.mapping = nil
		ch.meta = nil
		ch.reader = ringReader{}
	}

	if err := unix.Close(ch.fd); err != nil {
		errs = append(errs, fmt.Errorf("perf: close cpu %d: %w", ch.cpu, err))
	}
	ch.fd = -1

	return errors.Join(errs...)
}
