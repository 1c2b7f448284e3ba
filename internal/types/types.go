package types

import "strings"

// Transcript is the word-timestamps document produced by the backend
// transcription job.
type Transcript struct {
	Text     string    `json:"text,omitempty"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	ID    int     `json:"id,omitempty"`
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
	Text  string  `json:"text,omitempty"`
	Words []Word  `json:"words,omitempty"`
}

// Word is a single timed word. Start and End are seconds from the start of
// the audio artifact.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VisibleWord is a word selected for display at a given playback position.
type VisibleWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Active      bool    `json:"active"`
	SpaceBefore bool    `json:"space_before,omitempty"`
}

// View is what a host UI renders for one player instance.
type View struct {
	PlayerID     string        `json:"player_id"`
	Source       string        `json:"source,omitempty"`
	IsLoading    bool          `json:"is_loading"`
	Error        string        `json:"error,omitempty"`
	Position     float64       `json:"position"`
	Playing      bool          `json:"playing"`
	VisibleWords []VisibleWord `json:"visible_words"`
	Placeholder  string        `json:"placeholder,omitempty"`
}

// Progress mirrors the backend's audio generation progress report.
type Progress struct {
	Progress     float64 `json:"progress"`
	Stage        string  `json:"stage"`
	IsGenerating bool    `json:"is_generating"`
}

// Done reports whether generation has stopped, successfully or not. Stages
// prefixed with "Error" are failures.
func (p Progress) Done() bool {
	return p.Progress >= 100 || !p.IsGenerating || p.Failed()
}

func (p Progress) Failed() bool {
	return strings.HasPrefix(p.Stage, "Error") || strings.Contains(p.Stage, "timed out")
}
