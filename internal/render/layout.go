// Package render lays out a player View as subtitle lines and draws it on a
// terminal.
package render

import (
	"strings"

	"github.com/forPelevin/subsync/internal/types"
)

const (
	charBudget = 42
	wordBudget = 9
)

type Line struct {
	Start float64
	End   float64
	Words []types.VisibleWord
}

// Layout packs words into lines of at most 9 words and 42 characters. A word
// longer than the character budget gets a line of its own.
func Layout(words []types.VisibleWord) []Line {
	if len(words) == 0 {
		return nil
	}
	var out []Line
	cur := Line{Start: words[0].Start}
	curLen := 0
	for i, w := range words {
		wl := len([]rune(w.Word))
		nextLen := curLen
		if curLen > 0 {
			nextLen += len(separator(w))
		}
		nextLen += wl
		if len(cur.Words) > 0 && (len(cur.Words) >= wordBudget || nextLen > charBudget) {
			cur.End = cur.Words[len(cur.Words)-1].End
			out = append(out, cur)
			cur = Line{Start: w.Start}
			curLen = 0
		}
		if curLen > 0 {
			curLen += len(separator(w))
		}
		cur.Words = append(cur.Words, w)
		curLen += wl
		if i == len(words)-1 {
			cur.End = w.End
			out = append(out, cur)
		}
	}
	return out
}

// Text joins the line's words, ignoring highlighting.
func (l Line) Text() string {
	var b strings.Builder
	for i, w := range l.Words {
		if i > 0 {
			b.WriteString(separator(w))
		}
		b.WriteString(w.Word)
	}
	return b.String()
}

// separator widens the gap before a word that follows a pause.
func separator(w types.VisibleWord) string {
	if w.SpaceBefore {
		return "  "
	}
	return " "
}
