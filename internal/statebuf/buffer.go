// Package statebuf implements the state snapshot ring described in
// a fixed ring of opaque serialized game-state blobs keyed by
// frame mod StateRingSize, each stamped with a stable FNV-1a-32 checksum.
//
// Adapted from a single-slot Checkpoint{Frame, State} plus save/rollback
// pair, generalized to a ring so rollback can reach any of the last
// StateRingSize frames.
package statebuf

import (
	"hash/fnv"

	"github.com/kokokino/talonlance/internal/core"
)

type slot struct {
	frame    core.Frame
	blob     []byte
	checksum uint32
	valid    bool
}

// Buffer is a ring of StateRingSize snapshot slots.
type Buffer struct {
	slots [core.StateRingSize]slot
}

// New returns an empty state buffer.
func New() *Buffer {
	return &Buffer{}
}

func (b *Buffer) index(f core.Frame) int {
	return f.Mod(core.StateRingSize)
}

// Save stores data (without copying it) at frame f's slot, computing its
// FNV-1a-32 checksum (offset basis 0x811c9dc5, prime 0x01000193 — exactly
// what hash/fnv.New32a implements) over the bytes.
func (b *Buffer) Save(f core.Frame, data []byte) {
	h := fnv.New32a()
	h.Write(data) //nolint:errcheck // hash.Hash.Write never fails

	s := &b.slots[b.index(f)]
	s.frame = f
	s.blob = data
	s.checksum = h.Sum32()
	s.valid = true
}

// Load returns a fresh copy of the bytes saved for frame f, or nil if the
// slot's stored frame does not match f (it was overwritten by a later save,
// or nothing was ever saved there).
func (b *Buffer) Load(f core.Frame) []byte {
	s := &b.slots[b.index(f)]
	if !s.valid || s.frame != f {
		return nil
	}

	out := make([]byte, len(s.blob))
	copy(out, s.blob)
	return out
}

// Has reports whether a valid snapshot exists for frame f, without paying
// for the copy Load makes.
func (b *Buffer) Has(f core.Frame) bool {
	s := &b.slots[b.index(f)]
	return s.valid && s.frame == f
}

// Checksum returns the stored checksum for frame f, or ok=false if the slot
// does not currently hold f's snapshot.
func (b *Buffer) Checksum(f core.Frame) (checksum uint32, ok bool) {
	s := &b.slots[b.index(f)]
	if !s.valid || s.frame != f {
		return 0, false
	}
	return s.checksum, true
}

// Cell is a cheap handle bound to one frame of the buffer, letting request
// handlers save/load without the session itself touching the buffer (the
// save/load sequence in a rollback's request list is reorderable this way).
type Cell struct {
	frame core.Frame
	buf   *Buffer
}

// Cell returns a handle for frame f bound to this buffer.
func (b *Buffer) Cell(f core.Frame) Cell {
	return Cell{frame: f, buf: b}
}

// Frame returns the frame this cell is bound to.
func (c Cell) Frame() core.Frame { return c.frame }

// Save stores data (the game's serialized state) in this cell's slot.
func (c Cell) Save(data []byte) { c.buf.Save(c.frame, data) }

// Load returns the bytes previously saved for this cell's frame, or nil.
func (c Cell) Load() []byte { return c.buf.Load(c.frame) }
