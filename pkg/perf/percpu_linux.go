//go:build linux

package perf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/saworbit/ringtap/internal/metrics"
	"github.com/saworbit/ringtap/pkg/config"
	"github.com/saworbit/ringtap/pkg/cpus"
)

// PerCPUReader fans one Channel out per online CPU, registers each one in
// the kernel program's events map, and drains them into a single Go
// channel. Channels for different CPUs are independent; the reader is the
// one consumer context for all of them.
type PerCPUReader struct {
	channels map[int]*Channel // keyed by descriptor for epoll lookups
	epollFD  int
	timeout  int // milliseconds per epoll wait
	events   chan Event

	lost    atomic.Uint64
	unknown atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// OpenPerCPUReader opens a channel for every online CPU and registers it
// in eventsMap. On any failure the already-opened channels are torn down
// before the error is returned.
func OpenPerCPUReader(cfg *config.PerfConfig, eventsMap *ebpf.Map) (*PerCPUReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	online, err := cpus.Online()
	if err != nil {
		return nil, fmt.Errorf("perf: enumerate online cpus: %w", err)
	}

	r := &PerCPUReader{
		channels: make(map[int]*Channel, len(online)),
		epollFD:  -1,
		timeout:  int(cfg.PollTimeout.Milliseconds()),
		events:   make(chan Event, cfg.EventBuffer),
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf: create epoll instance: %w", err)
	}
	r.epollFD = epfd

	for _, cpu := range online {
		ch, err := OpenChannel(cpu, cfg.PageCount)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.channels[ch.FD()] = ch

		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ch.FD())}
		if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, ch.FD(), &ev); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("perf: watch cpu %d descriptor: %w", cpu, err)
		}

		if err := RegisterChannel(eventsMap, cpu, ch); err != nil {
			_ = r.Close()
			return nil, err
		}
	}

	metrics.SetOpenChannels(len(r.channels))
	return r, nil
}

// Events returns the decoded event stream. Payloads are private copies
// and remain valid after delivery. The channel closes when Run returns.
func (r *PerCPUReader) Events() <-chan Event {
	return r.events
}

// Stats returns the aggregate kernel drop count and the number of
// unrecognized records skipped so far.
func (r *PerCPUReader) Stats() (lost, unknown uint64) {
	return r.lost.Load(), r.unknown.Load()
}

// Run waits for ring wakeups and drains ready channels until ctx is
// cancelled. It returns a non-nil error only when a ring is corrupted
// beyond recovery; cancellation returns nil.
func (r *PerCPUReader) Run(ctx context.Context) error {
	defer close(r.events)

	wait := make([]unix.EpollEvent, len(r.channels))
	if len(wait) == 0 {
		wait = make([]unix.EpollEvent, 1)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := unix.EpollWait(r.epollFD, wait, r.timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if r.isClosed() {
				return nil
			}
			return fmt.Errorf("perf: epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ch, ok := r.channels[int(wait[i].Fd)]
			if !ok {
				continue
			}
			if err := r.drain(ctx, ch); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
	}
}

// drain empties one channel, one record per Read, until it reports idle.
func (r *PerCPUReader) drain(ctx context.Context, ch *Channel) error {
	drained := 0
	for {
		event, err := ch.Read()
		if err != nil {
			return err
		}

		switch event.Kind {
		case EventNone:
			metrics.DrainBatchSize.Observe(float64(drained))
			return nil
		case EventLost:
			r.lost.Add(event.LostCount)
		case EventUnknown:
			r.unknown.Add(1)
			log.Printf("[perf] cpu %d: skipping record with unknown type %d", ch.CPU(), event.RecordType)
		}

		// The payload aliases the channel's scratch buffer, which the
		// next Read below overwrites. Hand the consumer its own copy.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.events <- event.Clone():
			drained++
		}
	}
}

// Close releases the epoll instance and every channel. Later teardown
// steps run even when earlier ones fail; closing twice is a no-op.
func (r *PerCPUReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error

	if r.epollFD >= 0 {
		if err := unix.Close(r.epollFD); err != nil {
			errs = append(errs, fmt.Errorf("perf: close epoll instance: %w", err))
		}
		r.epollFD = -1
	}

	for _, ch := range r.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.SetOpenChannels(0)

	return errors.Join(errs...)
}

func (r *PerCPUReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
