// Package buildcache compiles BPF C sources with clang and keeps the
// produced objects in a content-addressed store, so unchanged sources
// never recompile and older builds stay recoverable.
package buildcache

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/cbergoon/merkletree"
	"github.com/multiformats/go-multihash"
)

// sourceDigest identifies one source file by content.
type sourceDigest struct {
	path string
	mh   multihash.Multihash
}

// CalculateHash implements merkletree.Content.
func (d sourceDigest) CalculateHash() ([]byte, error) {
	return []byte(d.mh), nil
}

// Equals implements merkletree.Content.
func (d sourceDigest) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(sourceDigest)
	if !ok {
		return false, fmt.Errorf("content type mismatch")
	}
	return d.path == o.path && bytes.Equal(d.mh, o.mh), nil
}

// digestBytes hashes a blob into its content identifier.
func digestBytes(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("buildcache: compute multihash: %w", err)
	}
	return mh.B58String(), nil
}

// FingerprintSources hashes every source file and folds the per-file
// digests into one Merkle root. The root changes when any file's content
// changes, when a file is added or removed, or when one is renamed.
func FingerprintSources(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("buildcache: no sources to fingerprint")
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	contents := make([]merkletree.Content, 0, len(sorted))
	for _, p := range sorted {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("buildcache: read source %s: %w", p, err)
		}
		// Fold the path in so a rename fingerprints differently.
		mh, err := multihash.Sum(append([]byte(p+"\x00"), data...), multihash.SHA2_256, -1)
		if err != nil {
			return "", fmt.Errorf("buildcache: hash source %s: %w", p, err)
		}
		contents = append(contents, sourceDigest{path: p, mh: mh})
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return "", fmt.Errorf("buildcache: build source tree: %w", err)
	}

	root, err := multihash.Encode(tree.MerkleRoot(), multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("buildcache: encode source root: %w", err)
	}
	return multihash.Multihash(root).B58String(), nil
}
