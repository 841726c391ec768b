// Package game declares the external game-simulation collaborator boundary and
// §6 carve out of scope: a deterministic tick function plus
// serialize/deserialize, invoked by the rollback core through exactly three
// request kinds without the core ever inspecting game state itself.
package game

import "github.com/kokokino/talonlance/internal/core"

// Game is the contract the rollback core drives. Implementations must be
// deterministic: given the same starting state and the same input sequence,
// AdvanceFrame must produce byte-identical results from Serialize every
// time, since the core resimulates by replaying exactly this sequence.
//
// AdvanceFrame receives exactly one core.Input per player slot
// (core.PlayerCapacity of them), in slot order; vacant slots get zero. An
// input with core.DisconnectBit set is a deactivation command for that slot:
// the implementation must stop reading further input for it (the core keeps
// sending the sentinel for the slot on every later frame, but the game owns
// what "deactivated" means for its own simulation).
type Game interface {
	AdvanceFrame(inputs []core.Input)
	Serialize() []byte
	Deserialize(data []byte)
}
