package artifact

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/snarg/cr-engine/internal/asr"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/provider"
)

func testInput() ComposeInput {
	return ComposeInput{
		Recording: provider.Recording{
			RecordingID:     "r1",
			CallID:          "c1",
			StartTime:       time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
			DurationSeconds: 30,
			FromNumber:      "+15550001111",
			FromName:        "Alice",
			ToNumber:        "+15550002222",
			ToName:          "Bob",
			Direction:       provider.DirectionInbound,
		},
		JobID:     "job-1",
		Submitted: time.Date(2025, 1, 15, 10, 5, 0, 0, time.UTC),
		Completed: time.Date(2025, 1, 15, 10, 5, 42, 0, time.UTC),
	}
}

func conf(v float64) *float64 { return &v }

func TestCompose_HappyPath(t *testing.T) {
	out := &asr.Output{
		Text:     "hello world",
		Language: "en-US",
		Segments: []asr.RawSegment{
			{Start: 0, End: 1.0, Text: "hello world", Confidence: conf(0.9)},
		},
	}

	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.SchemaVersion != "2.0" {
		t.Errorf("SchemaVersion = %q, want 2.0", art.SchemaVersion)
	}
	if art.WordCount != 2 {
		t.Errorf("WordCount = %d, want 2", art.WordCount)
	}
	if art.OverallConfidence != 0.9 {
		t.Errorf("OverallConfidence = %v, want 0.9", art.OverallConfidence)
	}
	if art.LanguageProbability != 0.99 {
		t.Errorf("LanguageProbability = %v, want default 0.99", art.LanguageProbability)
	}
	if art.AudioDurationSecs != 1.0 {
		t.Errorf("AudioDurationSecs = %v, want last segment end 1.0", art.AudioDurationSecs)
	}
	if art.ProcessingSecs != 42 {
		t.Errorf("ProcessingSecs = %v, want 42", art.ProcessingSecs)
	}
	if art.Call.Direction != "inbound" {
		t.Errorf("Call.Direction = %q, want inbound", art.Call.Direction)
	}
	if art.Segments[0].ID != 0 {
		t.Errorf("Segments[0].ID = %d, want 0", art.Segments[0].ID)
	}
}

func TestCompose_WordCountMatchesFields(t *testing.T) {
	out := &asr.Output{
		Text:     "  the   quick\nbrown\tfox  ",
		Language: "en-US",
		Segments: []asr.RawSegment{{Start: 0, End: 2, Text: "the quick brown fox"}},
	}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if want := len(strings.Fields(art.Text)); art.WordCount != want {
		t.Errorf("WordCount = %d, want %d", art.WordCount, want)
	}
	if art.Text != "the quick brown fox" {
		t.Errorf("Text = %q, want whitespace-normalized", art.Text)
	}
}

func TestCompose_Defaults(t *testing.T) {
	out := &asr.Output{
		Text:     "something",
		Language: "en-US",
		Segments: []asr.RawSegment{
			{Start: 0, End: 1, Text: "something"}, // no confidence
		},
	}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.Segments[0].Confidence != 0.95 {
		t.Errorf("segment confidence = %v, want default 0.95", art.Segments[0].Confidence)
	}
	if art.OverallConfidence != 0.95 {
		t.Errorf("OverallConfidence = %v, want 0.95", art.OverallConfidence)
	}
}

func TestCompose_NoSegments(t *testing.T) {
	out := &asr.Output{Text: "text only", Language: "en-US"}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.OverallConfidence != 0.95 {
		t.Errorf("OverallConfidence = %v, want default 0.95 with no segments", art.OverallConfidence)
	}
	if art.AudioDurationSecs != 0 {
		t.Errorf("AudioDurationSecs = %v, want 0", art.AudioDurationSecs)
	}
}

func TestCompose_ServiceDurationPreferred(t *testing.T) {
	out := &asr.Output{
		Text:            "x",
		Language:        "en-US",
		DurationSeconds: 29.5,
		Segments:        []asr.RawSegment{{Start: 0, End: 1, Text: "x"}},
	}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.AudioDurationSecs != 29.5 {
		t.Errorf("AudioDurationSecs = %v, want service-reported 29.5", art.AudioDurationSecs)
	}
}

func TestCompose_MalformedResult(t *testing.T) {
	_, err := Compose(testInput(), &asr.Output{Language: "en-US"})
	if err == nil {
		t.Fatal("Compose should fail with no text and no segments")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("kind = %v, want Validation", fault.KindOf(err))
	}
}

func TestCompose_SegmentOrdering(t *testing.T) {
	t.Run("small_overlap_tolerated", func(t *testing.T) {
		out := &asr.Output{
			Text:     "a b",
			Language: "en-US",
			Segments: []asr.RawSegment{
				{Start: 0, End: 1.05, Text: "a"},
				{Start: 1.0, End: 2, Text: "b"}, // 0.05s overlap, within tolerance
			},
		}
		if _, err := Compose(testInput(), out); err != nil {
			t.Errorf("Compose: %v", err)
		}
	})

	t.Run("large_overlap_rejected", func(t *testing.T) {
		out := &asr.Output{
			Text:     "a b",
			Language: "en-US",
			Segments: []asr.RawSegment{
				{Start: 0, End: 2, Text: "a"},
				{Start: 1.0, End: 3, Text: "b"}, // 1s overlap
			},
		}
		if _, err := Compose(testInput(), out); err == nil {
			t.Error("Compose should reject overlapping segments")
		}
	})

	t.Run("end_before_start_rejected", func(t *testing.T) {
		out := &asr.Output{
			Text:     "a",
			Language: "en-US",
			Segments: []asr.RawSegment{{Start: 2, End: 1, Text: "a"}},
		}
		if _, err := Compose(testInput(), out); err == nil {
			t.Error("Compose should reject end < start")
		}
	})
}

func TestCompose_Diarization(t *testing.T) {
	in := testInput()
	in.Diarization = true
	out := &asr.Output{
		Text:     "hi there",
		Language: "en-US",
		Segments: []asr.RawSegment{
			{Start: 0, End: 1, Text: "hi", Speaker: "1"},
			{Start: 1, End: 2, Text: "there", Speaker: "2"},
		},
	}
	art, err := Compose(in, out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.Segments[0].Speaker != "1" || art.Segments[1].Speaker != "2" {
		t.Error("speaker labels should survive composition when diarization is on")
	}
	if !reflect.DeepEqual(art.Features.Speakers, []string{"1", "2"}) {
		t.Errorf("Features.Speakers = %v, want [1 2]", art.Features.Speakers)
	}

	// Without diarization the speaker fields are dropped.
	in.Diarization = false
	art, err = Compose(in, out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.Segments[0].Speaker != "" {
		t.Error("speaker labels should be dropped without diarization")
	}
}

func TestCompose_Features(t *testing.T) {
	out := &asr.Output{
		Text:     "hello",
		Language: "en-US",
		Summary:  "a short call",
		SRT:      "1\n00:00:00,000 --> 00:00:01,000\nhello\n\n",
		Segments: []asr.RawSegment{{Start: 0, End: 1, Text: "hello"}},
		WordSegments: []asr.RawWord{
			{Word: "hello", Start: 0, End: 1, Confidence: 0.8},
		},
	}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if art.Features.Summary != "a short call" {
		t.Errorf("Summary = %q", art.Features.Summary)
	}
	if art.Features.SRT != out.SRT {
		t.Error("service SRT should be carried through unmodified")
	}
	if len(art.Features.WordSegments) != 1 || art.Features.WordSegments[0].Word != "hello" {
		t.Errorf("WordSegments = %v", art.Features.WordSegments)
	}
}

func TestCompose_SRTGeneratedWhenAbsent(t *testing.T) {
	out := &asr.Output{
		Text:     "hello world",
		Language: "en-US",
		Segments: []asr.RawSegment{{Start: 0, End: 1.5, Text: "hello world"}},
	}
	art, err := Compose(testInput(), out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:01,500\nhello world\n\n"
	if art.Features.SRT != want {
		t.Errorf("generated SRT = %q, want %q", art.Features.SRT, want)
	}
}

func TestArtifact_JSONRoundTrip(t *testing.T) {
	in := testInput()
	in.Diarization = true
	out := &asr.Output{
		Text:                "hello world again",
		Language:            "en-US",
		LanguageProbability: conf(0.87),
		DurationSeconds:     12.25,
		Summary:             "greeting",
		Segments: []asr.RawSegment{
			{Start: 0, End: 1, Text: "hello world", Confidence: conf(0.9), Speaker: "1"},
			{Start: 1, End: 2.5, Text: "again", Confidence: conf(0.7), Speaker: "2"},
		},
		WordSegments: []asr.RawWord{{Word: "hello", Start: 0, End: 0.5, Confidence: 0.92}},
	}
	art, err := Compose(in, out)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	data, err := json.Marshal(art)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Artifact
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(*art, back) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, *art)
	}
}

func TestRenderSRT_SpeakerLabels(t *testing.T) {
	srt := RenderSRT([]Segment{
		{ID: 0, Start: 0, End: 1, Text: "hi", Speaker: "2"},
	})
	if !strings.Contains(srt, "[Speaker 2]: hi") {
		t.Errorf("SRT missing speaker label: %q", srt)
	}
}

func TestSRTTime(t *testing.T) {
	tests := []struct {
		secs float64
		want string
	}{
		{0, "00:00:00,000"},
		{1.5, "00:00:01,500"},
		{3661.25, "01:01:01,250"},
		{-1, "00:00:00,000"},
	}
	for _, tt := range tests {
		if got := srtTime(tt.secs); got != tt.want {
			t.Errorf("srtTime(%v) = %q, want %q", tt.secs, got, tt.want)
		}
	}
}
