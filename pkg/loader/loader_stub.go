//go:build !linux

package loader

import (
	"context"

	"github.com/saworbit/ringtap/pkg/config"
)

// Collection is a placeholder on platforms without BPF support.
type Collection struct{}

// Load reports that BPF object loading needs Linux.
func Load(_ context.Context, _ string, _ *config.LoaderConfig) (*Collection, error) {
	return nil, ErrUnsupported
}

// Programs returns nil on unsupported platforms.
func (c *Collection) Programs() []ProgramInfo { return nil }

// Attach always fails with ErrUnsupported.
func (c *Collection) Attach() error { return ErrUnsupported }

// Close is a no-op.
func (c *Collection) Close() error { return nil }
