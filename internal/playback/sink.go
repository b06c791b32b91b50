package playback

import (
	"context"

	"github.com/tars-ai/tars-core/internal/synth"
)

// Unit is one sequenced piece of synthesized audio ready to play.
type Unit struct {
	SessionID string
	TurnID    string
	Seq       int
	Audio     synth.Audio
}

// Sink delivers audio units in call order. Implementations guarantee a unit
// is fully handed off before Play returns, so callers control sequencing by
// calling Play one unit at a time. Errors from a Sink abort the turn.
type Sink interface {
	Play(ctx context.Context, unit Unit) error
	// Done signals the end of a turn's audio. aborted marks interrupted turns.
	Done(ctx context.Context, sessionID, turnID string, aborted bool) error
}
