// Package asr is the transcription service client: job submit, status poll,
// result fetch, and remote cancel.
package asr

import "encoding/json"

// Job statuses reported by the service.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SubmitOptions are the per-job transcription options.
type SubmitOptions struct {
	Language           string
	Engine             string // "full" or "fast"
	WordTimestamps     bool
	SentenceTimestamps bool
	Diarization        bool
	SummarizeSentences int // 0 disables summarization
	CustomVocabulary   string
	InitialPrompt      string
}

// Job is the service's view of one transcription job.
type Job struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Output is the raw service result. Shapes vary across engine versions; the
// artifact composer is the single place this variance is collapsed into the
// canonical schema.
type Output struct {
	Text                string       `json:"text"`
	Language            string       `json:"language"`
	LanguageProbability *float64     `json:"language_probability,omitempty"`
	DurationSeconds     float64      `json:"duration_seconds"`
	Segments            []RawSegment `json:"sentence_level_timestamps"`
	WordSegments        []RawWord    `json:"word_segments,omitempty"`
	Summary             string       `json:"summary,omitempty"`
	SRT                 string       `json:"srt_content,omitempty"`
	Speakers            []string     `json:"speakers,omitempty"`
}

// RawSegment is a sentence-level timestamp entry as the service emits it.
type RawSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// RawWord is a word-level timestamp entry.
type RawWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}
