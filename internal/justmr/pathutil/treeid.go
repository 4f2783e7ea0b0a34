// Package pathutil provides the hash and filesystem-path primitives shared
// by the rest of the fetch/setup engine: tree identifiers, canonical path
// handling, and scoped temporary directories.
//
// The TreeID type plays the role the teacher's Sha1 type (see
// _examples/navytux-git-backup/sha1.go) played for git-backup: a small,
// by-value, hex-stringable content hash. It holds a fixed RawSize (20-byte)
// raw hash, the 40-hex-character form spec.md §3 describes.
package pathutil

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// RawSize is the byte length of the tree identifiers this engine produces.
const RawSize = 20

// TreeID is the content hash naming a Git tree object (spec.md §3).
// The zero value is the null id.
type TreeID struct {
	raw [RawSize]byte
}

var _ fmt.Stringer = TreeID{}

func (id TreeID) String() string {
	return hex.EncodeToString(id.raw[:])
}

// Raw returns the 20-byte raw form.
func (id TreeID) Raw() [RawSize]byte { return id.raw }

// IsNull reports whether id is the zero TreeID.
func (id TreeID) IsNull() bool { return id == TreeID{} }

// ParseTreeID parses a 40-hex-character tree identifier.
func ParseTreeID(s string) (TreeID, error) {
	var id TreeID
	if hex.DecodedLen(len(s)) != RawSize {
		return TreeID{}, fmt.Errorf("pathutil: %q is not a valid tree id", s)
	}
	if _, err := hex.Decode(id.raw[:], []byte(s)); err != nil {
		return TreeID{}, fmt.Errorf("pathutil: %q is not a valid tree id: %w", s, err)
	}
	return id, nil
}

// TreeIDFromRaw wraps a 20-byte raw hash, cloning it.
func TreeIDFromRaw(raw []byte) (TreeID, error) {
	var id TreeID
	if len(raw) != RawSize {
		return TreeID{}, fmt.Errorf("pathutil: raw tree id has %d bytes, want %d", len(raw), RawSize)
	}
	copy(id.raw[:], raw)
	return id, nil
}

// MustParseTreeID is ParseTreeID but panics on error - convenient in tests
// and for compile-time-known constants.
func MustParseTreeID(s string) TreeID {
	id, err := ParseTreeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ByTreeID sorts a []TreeID by raw byte value, for a stable iteration order
// over a set of ids (see git-backup.go's BySha1 for the precedent).
type ByTreeID []TreeID

func (p ByTreeID) Len() int      { return len(p) }
func (p ByTreeID) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p ByTreeID) Less(i, j int) bool {
	return bytes.Compare(p[i].raw[:], p[j].raw[:]) < 0
}
