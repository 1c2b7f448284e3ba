package timing

import (
	"reflect"
	"testing"

	"github.com/forPelevin/subsync/internal/types"
)

func TestBuildIndex_FlattensAndSorts(t *testing.T) {
	tr := types.Transcript{Segments: []types.Segment{
		{Words: []types.Word{{Word: " world", Start: 0.5, End: 0.9}, {Word: " again", Start: 2.0, End: 2.4}}},
		{Words: []types.Word{{Word: "Hello", Start: 0.0, End: 0.4}}},
	}}
	got := BuildIndex(tr)
	want := Index{
		{Word: "Hello", Start: 0.0, End: 0.4},
		{Word: "world", Start: 0.5, End: 0.9},
		{Word: "again", Start: 2.0, End: 2.4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected index:\n got %+v\nwant %+v", got, want)
	}
}

func TestBuildIndex_StableForEqualStarts(t *testing.T) {
	tr := types.Transcript{Segments: []types.Segment{
		{Words: []types.Word{{Word: "late", Start: 3, End: 3.2}, {Word: "a", Start: 1, End: 1.1}, {Word: "b", Start: 1, End: 1.5}}},
		{Words: []types.Word{{Word: "c", Start: 1, End: 1.05}, {Word: "early", Start: 0.2, End: 0.4}}},
	}}
	got := BuildIndex(tr)
	var order []string
	for _, w := range got {
		order = append(order, w.Word)
	}
	want := []string{"early", "a", "b", "c", "late"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("tied starts must keep transcript order: got %v, want %v", order, want)
	}
}

func TestBuildIndex_Idempotent(t *testing.T) {
	tr := types.Transcript{Segments: []types.Segment{
		{Words: []types.Word{{Word: "x", Start: 1, End: 2}, {Word: "y", Start: 1, End: 1.5}}},
		{Words: []types.Word{{Word: "z", Start: 0.5, End: 3}}},
	}}
	first := BuildIndex(tr)
	second := BuildIndex(tr)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("index build is not deterministic: %+v vs %+v", first, second)
	}
	if tr.Segments[0].Words[0].Word != "x" || tr.Segments[1].Words[0].Start != 0.5 {
		t.Fatalf("source transcript was modified: %+v", tr)
	}
}

func TestBuildIndex_EmptyAndWordlessSegments(t *testing.T) {
	if got := BuildIndex(types.Transcript{}); len(got) != 0 {
		t.Fatalf("expected empty index, got %+v", got)
	}
	tr := types.Transcript{Segments: []types.Segment{{Text: "no words here"}}}
	if got := BuildIndex(tr); len(got) != 0 {
		t.Fatalf("expected empty index, got %+v", got)
	}
}

func TestIndex_EndAndSearch(t *testing.T) {
	ix := Index{
		{Word: "a", Start: 0, End: 4},
		{Word: "b", Start: 1, End: 2},
		{Word: "c", Start: 3, End: 3.5},
	}
	if got := ix.End(); got != 4 {
		t.Fatalf("End() = %v, want 4", got)
	}
	if got := ix.SearchStart(1); got != 1 {
		t.Fatalf("SearchStart(1) = %d, want 1", got)
	}
	if got := ix.SearchStart(10); got != 3 {
		t.Fatalf("SearchStart(10) = %d, want 3", got)
	}
}

func TestPrepare_KeepsTranscript(t *testing.T) {
	tr := types.Transcript{Text: "hi", Segments: []types.Segment{{Words: []types.Word{{Word: "hi", Start: 0, End: 1}}}}}
	p := Prepare(tr)
	if p.Transcript.Text != "hi" || len(p.Words) != 1 {
		t.Fatalf("unexpected prepared doc: %+v", p)
	}
}
