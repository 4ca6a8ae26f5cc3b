//go:build linux

package perf

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// RegisterChannel publishes the channel's descriptor into the given perf
// event array under its CPU index, so the kernel program's output for that
// CPU targets this channel. Call it only after the channel is open, mapped
// and enabled; a map write failure is surfaced unchanged.
func RegisterChannel(m *ebpf.Map, cpu int, ch *Channel) error {
	if ch == nil || ch.closed {
		return ErrClosed
	}
	if err := m.Put(uint32(cpu), uint32(ch.fd)); err != nil {
		return fmt.Errorf("perf: register cpu %d: %w", cpu, err)
	}
	return nil
}
