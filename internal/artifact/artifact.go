// Package artifact builds the canonical transcript document. All variance in
// service output shapes is collapsed here; downstream code only sees this
// schema.
package artifact

import "time"

// SchemaVersion identifies the canonical artifact layout.
const SchemaVersion = "2.0"

// Artifact is the canonical transcript document written to the file store
// and mirrored into the transcripts table.
type Artifact struct {
	SchemaVersion       string     `json:"schema_version"`
	RecordingID         string     `json:"recording_id"`
	JobID               string     `json:"job_id"`
	Language            string     `json:"language"`
	LanguageProbability float64    `json:"language_probability"`
	Text                string     `json:"text"`
	WordCount           int        `json:"word_count"`
	OverallConfidence   float64    `json:"overall_confidence"`
	AudioDurationSecs   float64    `json:"audio_duration_seconds"`
	ProcessingSecs      float64    `json:"processing_seconds"`
	Segments            []Segment  `json:"segments"`
	Features            Features   `json:"features"`
	Call                Call       `json:"call"`
	Timestamps          Timestamps `json:"timestamps"`
}

// Segment is a sentence-level timestamped portion of the transcript.
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// Word is a word-level timestamp entry carried in features.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Features holds optional service outputs.
type Features struct {
	Summary      string   `json:"summary,omitempty"`
	SRT          string   `json:"srt,omitempty"`
	WordSegments []Word   `json:"word_segments,omitempty"`
	Speakers     []string `json:"speakers,omitempty"`
}

// Call carries the originating call's metadata.
type Call struct {
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration_seconds"`
	Direction       string    `json:"direction"`
	From            Party     `json:"from"`
	To              Party     `json:"to"`
}

// Party is one side of the call.
type Party struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

// Timestamps records when the transcription job was submitted and completed.
type Timestamps struct {
	Submitted time.Time `json:"submitted"`
	Completed time.Time `json:"completed"`
}
