package perf

import (
	"encoding/binary"
	"fmt"
)

// le is the byte order of the kernel ABI on every architecture we run on.
var le = binary.LittleEndian

// Record type tags from the kernel's perf event ABI.
const (
	recordTypeLost   = 2 // PERF_RECORD_LOST
	recordTypeSample = 9 // PERF_RECORD_SAMPLE
)

// headerSize is the size of struct perf_event_header.
const headerSize = 8

// recordHeader mirrors struct perf_event_header: a type tag and the total
// record length, header included.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// ringDecoder extracts records from the circular data region of a perf
// ring. Decoded bytes are copied into a private scratch buffer before the
// consumer cursor moves, so they never alias memory the kernel may reuse.
// The scratch buffer is recycled: a record is valid until the next call.
type ringDecoder struct {
	data    []byte
	scratch []byte
}

// next copies out the record starting at the absolute tail offset. head is
// passed so a length that would run past the produced region is caught.
// The caller guarantees head != tail.
func (d *ringDecoder) next(tail, head uint64) (recordHeader, []byte, error) {
	ringSize := uint64(len(d.data))
	start := tail % ringSize

	var hdrBytes [headerSize]byte
	d.copyOut(hdrBytes[:], start)

	hdr := recordHeader{
		Type: le.Uint32(hdrBytes[0:4]),
		Misc: le.Uint16(hdrBytes[4:6]),
		Size: le.Uint16(hdrBytes[6:8]),
	}

	total := uint64(hdr.Size)
	if total < headerSize || total > ringSize || total > head-tail {
		return hdr, nil, fmt.Errorf("%w: type=%d size=%d at offset %d",
			ErrBadRecord, hdr.Type, hdr.Size, start)
	}

	if uint64(cap(d.scratch)) < total {
		d.scratch = make([]byte, total)
	}
	d.scratch = d.scratch[:total]
	d.copyOut(d.scratch, start)

	return hdr, d.scratch, nil
}

// copyOut is the one routine that moves bytes across the ring boundary. A
// record whose bytes straddle the end of the region continues at offset 0;
// that is normal, not an error.
func (d *ringDecoder) copyOut(dst []byte, start uint64) {
	n := copy(dst, d.data[start:])
	if n < len(dst) {
		copy(dst[n:], d.data[:len(dst)-n])
	}
}

// classify turns a copied record into a typed event. Unrecognized type
// tags are a distinct outcome, not an error: the record has a valid
// length, so the stream continues past it.
func classify(hdr recordHeader, record []byte, cpu int) (Event, error) {
	payload := record[headerSize:]

	switch hdr.Type {
	case recordTypeSample:
		return Event{Kind: EventSample, CPU: cpu, Raw: payload}, nil

	case recordTypeLost:
		// struct { u64 id; u64 lost; } after the header.
		if len(payload) < 16 {
			return Event{}, fmt.Errorf("%w: lost record payload is %d bytes",
				ErrBadRecord, len(payload))
		}
		return Event{
			Kind:      EventLost,
			CPU:       cpu,
			LostID:    le.Uint64(payload[0:8]),
			LostCount: le.Uint64(payload[8:16]),
		}, nil

	default:
		return Event{Kind: EventUnknown, CPU: cpu, RecordType: hdr.Type, Raw: payload}, nil
	}
}
