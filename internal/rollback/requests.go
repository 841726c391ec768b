package rollback

import (
	"github.com/kokokino/talonlance/internal/core"
	"github.com/kokokino/talonlance/internal/statebuf"
)

// Request is the sealed union of the three operations AdvanceFrame emits for
// the driver to apply to the game: advancing
// a tick, and saving or loading a state snapshot. Requests are returned in
// the order the driver must apply them.
type Request interface {
	isRequest()
}

// AdvanceFrameRequest asks the driver to run one deterministic game tick
// with exactly one input per player slot (core.PlayerCapacity entries).
type AdvanceFrameRequest struct {
	Inputs []core.Input
}

func (AdvanceFrameRequest) isRequest() {}

// SaveGameStateRequest asks the driver to serialize current game state into
// Cell.
type SaveGameStateRequest struct {
	Cell statebuf.Cell
}

func (SaveGameStateRequest) isRequest() {}

// LoadGameStateRequest asks the driver to deserialize Cell's saved bytes
// (if any) back into the game, ahead of a resimulation run.
type LoadGameStateRequest struct {
	Cell statebuf.Cell
}

func (LoadGameStateRequest) isRequest() {}
