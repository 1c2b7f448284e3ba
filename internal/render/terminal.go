package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/forPelevin/subsync/internal/types"
)

// Terminal draws successive Views onto a writer. With Redraw set each frame
// replaces the previous one in place; otherwise frames are appended and
// identical consecutive frames are skipped.
type Terminal struct {
	w      io.Writer
	redraw bool

	active *color.Color
	dim    *color.Color
	fail   *color.Color

	mu    sync.Mutex
	last  string
	lines int
}

type TerminalOptions struct {
	// Color forces ANSI colors on or off.
	Color  bool
	Redraw bool
}

func NewTerminal(w io.Writer, opts TerminalOptions) *Terminal {
	t := &Terminal{
		w:      w,
		redraw: opts.Redraw,
		active: color.New(color.FgHiYellow, color.Bold),
		dim:    color.New(color.Faint),
		fail:   color.New(color.FgRed),
	}
	for _, c := range []*color.Color{t.active, t.dim, t.fail} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

// Draw writes v if it differs from the previously drawn frame.
func (t *Terminal) Draw(v types.View) error {
	frame := t.Frame(v)

	t.mu.Lock()
	defer t.mu.Unlock()
	if frame == t.last {
		return nil
	}

	var b strings.Builder
	if t.redraw && t.lines > 0 {
		// Move to the first line of the previous frame and clear below.
		fmt.Fprintf(&b, "\x1b[%dF\x1b[J", t.lines)
	}
	b.WriteString(frame)
	b.WriteString("\n")
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		return fmt.Errorf("draw frame: %w", err)
	}
	t.last = frame
	t.lines = strings.Count(frame, "\n") + 1
	return nil
}

// Frame renders v without writing it: a status line followed by subtitle
// lines, the error, or a placeholder.
func (t *Terminal) Frame(v types.View) string {
	var b strings.Builder
	b.WriteString(t.dim.Sprint(statusLine(v)))

	switch {
	case v.Error != "":
		b.WriteString("\n")
		b.WriteString(t.fail.Sprint(v.Error))
	case len(v.VisibleWords) > 0:
		for _, ln := range Layout(v.VisibleWords) {
			b.WriteString("\n")
			for i, w := range ln.Words {
				if i > 0 {
					b.WriteString(separator(w))
				}
				if w.Active {
					b.WriteString(t.active.Sprint(w.Word))
				} else {
					b.WriteString(w.Word)
				}
			}
		}
	case v.Placeholder != "":
		b.WriteString("\n")
		b.WriteString(t.dim.Sprint(v.Placeholder))
	}
	return b.String()
}

func statusLine(v types.View) string {
	state := "paused"
	if v.Playing {
		state = "playing"
	}
	return fmt.Sprintf("[%s %s]", state, Timestamp(v.Position))
}

// Timestamp formats seconds as m:ss.d.
func Timestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	tenths := int(sec*10 + 0.5)
	m := tenths / 600
	s := (tenths % 600) / 10
	d := tenths % 10
	return fmt.Sprintf("%d:%02d.%d", m, s, d)
}
