//go:build !linux

package perf

// Channel is a placeholder on platforms without perf events. Opening one
// always fails with ErrUnsupported.
type Channel struct{}

// OpenChannel reports that perf event channels need Linux.
func OpenChannel(cpu, pageCount int) (*Channel, error) {
	return nil, ErrUnsupported
}

// CPU returns -1 on unsupported platforms.
func (c *Channel) CPU() int { return -1 }

// FD returns -1 on unsupported platforms.
func (c *Channel) FD() int { return -1 }

// Read always fails with ErrUnsupported.
func (c *Channel) Read() (Event, error) {
	return Event{}, ErrUnsupported
}

// Close is a no-op.
func (c *Channel) Close() error { return nil }
