//go:build linux

package perf

import (
	"errors"
	"testing"
)

// openTestChannel opens a real channel on CPU 0 or skips when the
// environment does not allow perf events.
func openTestChannel(t *testing.T) *Channel {
	t.Helper()

	ch, err := OpenChannel(0, 1)
	if err != nil {
		t.Skipf("cannot open perf channel (need CAP_PERFMON or root): %v", err)
	}
	return ch
}

func TestOpenChannelRejectsBadPageCount(t *testing.T) {
	for _, count := range []int{0, -1, 3, 6, 12} {
		if _, err := OpenChannel(0, count); !errors.Is(err, ErrPageCount) {
			t.Fatalf("page count %d: expected ErrPageCount, got %v", count, err)
		}
	}
}

func TestChannelLifecycle(t *testing.T) {
	ch := openTestChannel(t)

	if ch.CPU() != 0 {
		t.Fatalf("cpu = %d, want 0", ch.CPU())
	}
	if ch.FD() < 0 {
		t.Fatalf("descriptor = %d, want >= 0", ch.FD())
	}

	// Nothing writes into this channel, so the ring is idle.
	ev, err := ch.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != EventNone {
		t.Fatalf("expected EventNone on idle channel, got %v", ev.Kind)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := ch.Read(); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: expected ErrClosed, got %v", err)
	}
}

func TestOpenChannelImpossibleCPU(t *testing.T) {
	// CPU indexes far past the online set are rejected by the kernel
	// before any mapping happens.
	if _, err := OpenChannel(1 << 20, 1); err == nil {
		t.Fatal("expected error for out-of-range cpu")
	}
}
