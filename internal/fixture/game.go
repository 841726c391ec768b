// Package fixture provides a minimal deterministic game.Game implementation
// for tests, standing in for the real, out-of-scope game simulation
// It tracks nothing more than a tick counter, a per-slot position and
// altitude, and whether a slot has been told to deactivate, which is enough to exercise
// determinism, rollback/resimulation, and the DISCONNECT_BIT contract.
package fixture

import (
	"encoding/binary"

	"github.com/kokokino/talonlance/internal/core"
)

// Game is a toy arena simulation: each active slot has an integer position
// moved by its left/right input bits every tick, wrapping at +/-1000, and an
// altitude that rises on flap and falls otherwise (not wrapped). A
// deactivated slot stops accumulating input state entirely.
type Game struct {
	Positions   [core.PlayerCapacity]int32
	Altitude    [core.PlayerCapacity]int32
	Deactivated [core.PlayerCapacity]bool
	Ticks       uint32
}

// New returns a fresh fixture game with all slots at the origin.
func New() *Game {
	return &Game{}
}

// AdvanceFrame applies one tick of movement for each slot's input.
func (g *Game) AdvanceFrame(inputs []core.Input) {
	g.Ticks++

	for slot := 0; slot < len(inputs) && slot < core.PlayerCapacity; slot++ {
		in := inputs[slot]

		if in&core.DisconnectBit != 0 {
			g.Deactivated[slot] = true
		}
		if g.Deactivated[slot] {
			continue
		}

		if in&core.InputLeft != 0 {
			g.Positions[slot]--
		}
		if in&core.InputRight != 0 {
			g.Positions[slot]++
		}
		if in&core.InputFlap != 0 {
			g.Altitude[slot]++
		} else {
			g.Altitude[slot]--
		}

		if g.Positions[slot] > 1000 {
			g.Positions[slot] = -1000
		}
		if g.Positions[slot] < -1000 {
			g.Positions[slot] = 1000
		}
	}
}

// Serialize produces a byte-identical encoding of the full state, which is
// all statebuf checksums over: a deterministic AdvanceFrame sequence from an
// identical starting point must serialize identically every time.
func (g *Game) Serialize() []byte {
	out := make([]byte, 4+core.PlayerCapacity*9)
	binary.LittleEndian.PutUint32(out[0:4], g.Ticks)
	off := 4
	for i := 0; i < core.PlayerCapacity; i++ {
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(g.Positions[i]))
		binary.LittleEndian.PutUint32(out[off+4:off+8], uint32(g.Altitude[i]))
		if g.Deactivated[i] {
			out[off+8] = 1
		}
		off += 9
	}
	return out
}

// Deserialize restores state previously produced by Serialize.
func (g *Game) Deserialize(data []byte) {
	g.Ticks = binary.LittleEndian.Uint32(data[0:4])
	off := 4
	for i := 0; i < core.PlayerCapacity; i++ {
		g.Positions[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		g.Altitude[i] = int32(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		g.Deactivated[i] = data[off+8] == 1
		off += 9
	}
}
