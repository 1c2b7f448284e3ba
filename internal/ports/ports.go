package ports

import (
	"context"
	"errors"

	"github.com/forPelevin/subsync/internal/types"
)

// ErrNotReady means the backend has no timing data for the current artifact
// yet. Callers are expected to try again later.
var ErrNotReady = errors.New("word timestamps not ready")

type TimestampSource interface {
	Fetch(ctx context.Context) (types.Transcript, error)
}

type ProgressSource interface {
	Progress(ctx context.Context) (types.Progress, error)
}

// PlaybackClock is a read-only view of the host's audio element.
type PlaybackClock interface {
	// Position is the current playback position in seconds.
	Position() float64
	Playing() bool
	// OnTimeUpdate registers fn for the element's native time-update signal.
	// The returned func detaches it.
	OnTimeUpdate(fn func()) (detach func())
}

type Prober interface {
	ProbeDuration(ctx context.Context, input string) (float64, error)
}
