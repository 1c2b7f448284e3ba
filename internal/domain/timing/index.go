package timing

import (
	"sort"
	"strings"

	"github.com/forPelevin/subsync/internal/types"
)

// Index is every word of a transcript, flattened across segments and ordered
// by start time. Words sharing a start time keep their transcript order.
// An Index is never modified after BuildIndex returns it.
type Index []types.Word

// BuildIndex flattens tr into an Index. It is deterministic: the same
// transcript always yields the same sequence.
func BuildIndex(tr types.Transcript) Index {
	n := 0
	for _, s := range tr.Segments {
		n += len(s.Words)
	}
	out := make(Index, 0, n)
	for _, s := range tr.Segments {
		for _, w := range s.Words {
			out = append(out, types.Word{
				Word:  strings.TrimSpace(w.Word),
				Start: w.Start,
				End:   w.End,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})
	return out
}

// End returns the latest word end in the index, or 0 when it is empty.
func (ix Index) End() float64 {
	var end float64
	for _, w := range ix {
		if w.End > end {
			end = w.End
		}
	}
	return end
}

// SearchStart returns the first position whose word starts at or after sec.
func (ix Index) SearchStart(sec float64) int {
	return sort.Search(len(ix), func(i int) bool { return ix[i].Start >= sec })
}

// Prepared keeps the raw transcript next to its index so consumers can use
// either without rebuilding.
type Prepared struct {
	Transcript types.Transcript
	Words      Index
}

func Prepare(tr types.Transcript) *Prepared {
	return &Prepared{Transcript: tr, Words: BuildIndex(tr)}
}
