// Package window selects which words of a timing index are on screen at a
// playback position.
//
// A word is visible at time t when it has started and ended no more than
// Trail seconds ago, or when it starts within the next LookAhead seconds.
// Nothing here keeps state between calls: seeking anywhere gives the same
// answer as arriving there by playing.
package window

import (
	"github.com/forPelevin/subsync/internal/domain/timing"
	"github.com/forPelevin/subsync/internal/types"
)

const (
	DefaultTrail     = 3.0
	DefaultLookAhead = 1.0

	// spaceGap is the silence between two words above which the renderer
	// inserts an explicit space.
	spaceGap = 0.001
)

type Options struct {
	Trail     float64
	LookAhead float64
}

func Default() Options {
	return Options{Trail: DefaultTrail, LookAhead: DefaultLookAhead}
}

func (o Options) normalized() Options {
	if o.Trail < 0 {
		o.Trail = 0
	}
	if o.LookAhead < 0 {
		o.LookAhead = 0
	}
	return o
}

// Visible returns the words of ix shown at time t, in index order.
func (o Options) Visible(ix timing.Index, t float64) []types.Word {
	o = o.normalized()
	// Everything from cut onwards starts too late to be shown.
	cut := ix.SearchStart(t + o.LookAhead)
	var out []types.Word
	for _, w := range ix[:cut] {
		if Includes(w, t, o) {
			out = append(out, w)
		}
	}
	return out
}

// Includes reports whether w belongs to the visible set at time t.
func Includes(w types.Word, t float64, o Options) bool {
	if w.Start <= t && w.End >= t-o.Trail {
		return true
	}
	return w.Start > t && w.Start < t+o.LookAhead
}

// Active reports whether w is being spoken at time t.
func Active(w types.Word, t float64) bool {
	return w.Start <= t && t <= w.End
}

// Render marks active words against t and flags gaps between neighbours.
func Render(words []types.Word, t float64, live bool) []types.VisibleWord {
	out := make([]types.VisibleWord, 0, len(words))
	for i, w := range words {
		vw := types.VisibleWord{
			Word:   w.Word,
			Start:  w.Start,
			End:    w.End,
			Active: live && Active(w, t),
		}
		if i > 0 && w.Start-words[i-1].End > spaceGap {
			vw.SpaceBefore = true
		}
		out = append(out, vw)
	}
	return out
}
