package perf

import "sync/atomic"

// ringReader implements the consumer half of one perf ring: the data
// region plus the head/tail cursor pair that lives in the metadata page.
// head is written by the kernel and only read here; tail is written only
// here and read by the kernel. Both are absolute, monotonically growing
// byte counters; masking by the ring size happens at use time.
type ringReader struct {
	head *uint64
	tail *uint64
	dec  ringDecoder
}

// read drains at most one record. It returns an EventNone event, with no
// side effects, when the ring is empty.
func (r *ringReader) read(cpu int) (Event, error) {
	// Data visible: the atomic load of head pairs with the kernel's
	// store-release. Once the new head is seen, the record bytes behind
	// it are too.
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)

	if head == tail {
		return Event{Kind: EventNone, CPU: cpu}, nil
	}

	hdr, record, err := r.dec.next(tail, head)
	if err != nil {
		return Event{}, err
	}

	event, err := classify(hdr, record, cpu)
	if err != nil {
		return Event{}, err
	}

	// Tail published: the bytes were copied out above, so the kernel is
	// free to overwrite them once this store is visible. The store must
	// not be reordered before the copy.
	atomic.StoreUint64(r.tail, tail+uint64(hdr.Size))

	return event, nil
}
