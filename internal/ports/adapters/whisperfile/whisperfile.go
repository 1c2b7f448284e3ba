// Package whisperfile reads word timestamps from the JSON file whisper
// writes next to a rendered artifact. A missing file means the transcription
// job has not finished yet.
package whisperfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/types"
)

type Adapter struct {
	path string
}

func New(path string) *Adapter {
	return &Adapter{path: path}
}

func (a *Adapter) Path() string { return a.path }

func (a *Adapter) Fetch(ctx context.Context) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, err
	}
	b, err := os.ReadFile(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.Transcript{}, ports.ErrNotReady
		}
		return types.Transcript{}, fmt.Errorf("read %s: %w", a.path, err)
	}
	// The writer may still be flushing; an empty file is not an answer yet.
	if len(b) == 0 {
		return types.Transcript{}, ports.ErrNotReady
	}

	var tr types.Transcript
	if err := json.Unmarshal(b, &tr); err != nil {
		return types.Transcript{}, fmt.Errorf("parse %s: %w", a.path, err)
	}
	return tr, nil
}

var _ ports.TimestampSource = (*Adapter)(nil)
