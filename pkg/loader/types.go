// Package loader loads compiled BPF object files, resolves BTF for CO-RE
// relocations, and attaches programs to their kernel hooks based on the
// section names the sources were compiled with.
package loader

import "errors"

var (
	// ErrUnsupported is returned when the platform cannot load BPF programs.
	ErrUnsupported = errors.New("loader: BPF programs require a Linux kernel")

	// ErrNoEventsMap is returned when an object file has no perf event
	// array to stream events through.
	ErrNoEventsMap = errors.New("loader: object has no perf event array")
)

// ProgramInfo describes one program found in a loaded object.
type ProgramInfo struct {
	Name    string
	Section string
}
