package buildcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/klauspost/compress/zstd"
)

// Key prefixes in the artifact database.
const (
	prefixArtifact = "art:"   // art:<program> -> latest Artifact
	prefixObject   = "cas:"   // cas:<cid> -> compressed object bytes
	prefixDelta    = "delta:" // delta:<program>:<seq> -> superseded Artifact + patch
)

const compressMagic = "RTZ1"

// ErrNotCached is returned when a program has no stored build.
var ErrNotCached = errors.New("buildcache: program has no cached artifact")

// Artifact describes one compiled object in the store.
type Artifact struct {
	Program    string `json:"program"`
	CID        string `json:"cid"`
	SourceRoot string `json:"source_root"`
	BuiltAt    int64  `json:"built_at"`
	Size       int    `json:"size"`
	Seq        uint64 `json:"seq"`

	// Patch reconstructs this version's bytes from its successor. Empty
	// for the latest artifact, whose bytes are stored whole.
	Patch []byte `json:"patch,omitempty"`
}

// Store keeps compiled objects in Pebble. Only the newest build of each
// program is stored whole; older versions live as reverse deltas off
// their successor, so history stays cheap while the hot path stays one
// read.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the artifact database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("buildcache: open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Latest returns the newest artifact metadata for program.
func (s *Store) Latest(program string) (*Artifact, error) {
	raw, closer, err := s.db.Get([]byte(prefixArtifact + program))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("buildcache: read artifact record: %w", err)
	}
	defer closer.Close()

	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("buildcache: decode artifact record: %w", err)
	}
	return &art, nil
}

// Lookup returns the cached object for program when it was built from
// sources with the given fingerprint.
func (s *Store) Lookup(program, sourceRoot string) ([]byte, *Artifact, error) {
	art, err := s.Latest(program)
	if err != nil {
		return nil, nil, err
	}
	if art.SourceRoot != sourceRoot {
		return nil, nil, ErrNotCached
	}

	obj, err := s.objectBytes(art.CID)
	if err != nil {
		return nil, nil, err
	}
	return obj, art, nil
}

// Put stores a freshly compiled object for program. The previous latest
// version, if any, is demoted to a reverse delta.
func (s *Store) Put(program, sourceRoot string, obj []byte) (*Artifact, error) {
	cid, err := digestBytes(obj)
	if err != nil {
		return nil, err
	}

	prev, err := s.Latest(program)
	if err != nil && !errors.Is(err, ErrNotCached) {
		return nil, err
	}

	art := &Artifact{
		Program:    program,
		CID:        cid,
		SourceRoot: sourceRoot,
		BuiltAt:    time.Now().Unix(),
		Size:       len(obj),
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if prev != nil {
		if prev.CID == cid {
			// Same object bytes; just refresh the metadata.
			art.Seq = prev.Seq
			return art, s.writeArtifact(batch, art)
		}

		art.Seq = prev.Seq + 1

		prevBytes, err := s.objectBytes(prev.CID)
		if err != nil {
			return nil, err
		}
		patch, err := bsdiff.Bytes(obj, prevBytes)
		if err != nil {
			return nil, fmt.Errorf("buildcache: compute reverse delta: %w", err)
		}

		demoted := *prev
		demoted.Patch = patch
		deltaVal, err := json.Marshal(&demoted)
		if err != nil {
			return nil, fmt.Errorf("buildcache: encode delta record: %w", err)
		}
		if err := batch.Set(deltaKey(program, prev.Seq), deltaVal, nil); err != nil {
			return nil, fmt.Errorf("buildcache: write delta record: %w", err)
		}
		if err := batch.Delete([]byte(prefixObject+prev.CID), nil); err != nil {
			return nil, fmt.Errorf("buildcache: drop superseded object: %w", err)
		}
	}

	compressed, err := compress(obj)
	if err != nil {
		return nil, err
	}
	if err := batch.Set([]byte(prefixObject+cid), compressed, nil); err != nil {
		return nil, fmt.Errorf("buildcache: write object: %w", err)
	}

	return art, s.writeArtifact(batch, art)
}

func (s *Store) writeArtifact(batch *pebble.Batch, art *Artifact) error {
	val, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("buildcache: encode artifact record: %w", err)
	}
	if err := batch.Set([]byte(prefixArtifact+art.Program), val, nil); err != nil {
		return fmt.Errorf("buildcache: write artifact record: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("buildcache: commit artifact: %w", err)
	}
	return nil
}

// History lists every stored version of program, newest first.
func (s *Store) History(program string) ([]Artifact, error) {
	latest, err := s.Latest(program)
	if err != nil {
		return nil, err
	}

	versions := []Artifact{*latest}

	iter, err := s.newPrefixIter(prefixDelta + program + ":")
	if err != nil {
		return nil, fmt.Errorf("buildcache: open history iterator: %w", err)
	}
	defer iter.Close()

	for iter.Last(); iter.Valid(); iter.Prev() {
		var art Artifact
		if err := json.Unmarshal(iter.Value(), &art); err != nil {
			return nil, fmt.Errorf("buildcache: decode delta record: %w", err)
		}
		art.Patch = nil // metadata only
		versions = append(versions, art)
	}
	return versions, nil
}

// GetVersion reconstructs the object bytes of any stored version by
// walking the reverse delta chain down from the latest build.
func (s *Store) GetVersion(program, cid string) ([]byte, error) {
	latest, err := s.Latest(program)
	if err != nil {
		return nil, err
	}

	current, err := s.objectBytes(latest.CID)
	if err != nil {
		return nil, err
	}
	if latest.CID == cid {
		return current, nil
	}

	iter, err := s.newPrefixIter(prefixDelta + program + ":")
	if err != nil {
		return nil, fmt.Errorf("buildcache: open history iterator: %w", err)
	}
	defer iter.Close()

	for iter.Last(); iter.Valid(); iter.Prev() {
		var art Artifact
		if err := json.Unmarshal(iter.Value(), &art); err != nil {
			return nil, fmt.Errorf("buildcache: decode delta record: %w", err)
		}

		current, err = bspatch.Bytes(current, art.Patch)
		if err != nil {
			return nil, fmt.Errorf("buildcache: apply reverse delta seq=%d: %w", art.Seq, err)
		}

		got, err := digestBytes(current)
		if err != nil {
			return nil, err
		}
		if got != art.CID {
			return nil, fmt.Errorf("buildcache: version %d reconstructed to %s, recorded %s", art.Seq, got, art.CID)
		}
		if art.CID == cid {
			return current, nil
		}
	}

	return nil, fmt.Errorf("buildcache: %s has no version %s", program, cid)
}

func (s *Store) objectBytes(cid string) ([]byte, error) {
	raw, closer, err := s.db.Get([]byte(prefixObject + cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("buildcache: object %s missing", cid)
	}
	if err != nil {
		return nil, fmt.Errorf("buildcache: read object %s: %w", cid, err)
	}
	defer closer.Close()

	return decompress(raw)
}

func (s *Store) newPrefixIter(prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func deltaKey(program string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixDelta, program, seq))
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

func compress(data []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return append([]byte(compressMagic), enc.EncodeAll(data, nil)...), nil
}

func decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressMagic)) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressMagic):], nil)
}
