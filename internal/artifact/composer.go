package artifact

import (
	"strings"
	"time"

	"github.com/snarg/cr-engine/internal/asr"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/provider"
)

const (
	defaultLanguageProbability = 0.99
	defaultConfidence          = 0.95

	// Adjacent segments may overlap by up to this many seconds before the
	// composer rejects the result as malformed.
	segmentOverlapTolerance = 0.1
)

// ComposeInput carries everything the composer needs beyond the raw service
// output.
type ComposeInput struct {
	Recording   provider.Recording
	JobID       string
	Submitted   time.Time
	Completed   time.Time
	Diarization bool
}

// Compose collapses a raw service result into the canonical artifact.
// It returns a validation fault when the service reported success but the
// result carries neither text nor segments.
func Compose(in ComposeInput, out *asr.Output) (*Artifact, error) {
	text := normalizeWhitespace(out.Text)

	if text == "" && len(out.Segments) == 0 {
		return nil, fault.Newf(fault.Validation, "artifact.compose",
			"malformed result for recording %s: no text and no segments", in.Recording.RecordingID)
	}

	segments := make([]Segment, 0, len(out.Segments))
	var confSum float64
	for i, rs := range out.Segments {
		seg := Segment{
			ID:         i,
			Start:      rs.Start,
			End:        rs.End,
			Text:       strings.TrimSpace(rs.Text),
			Confidence: defaultConfidence,
		}
		if rs.Confidence != nil {
			seg.Confidence = *rs.Confidence
		}
		if in.Diarization && rs.Speaker != "" {
			seg.Speaker = rs.Speaker
		}
		if err := checkSegment(in.Recording.RecordingID, segments, seg); err != nil {
			return nil, err
		}
		confSum += seg.Confidence
		segments = append(segments, seg)
	}

	overall := defaultConfidence
	if len(segments) > 0 {
		overall = confSum / float64(len(segments))
	}

	langProb := defaultLanguageProbability
	if out.LanguageProbability != nil {
		langProb = *out.LanguageProbability
	}

	// Duration preference: service-reported, else last segment end, else 0.
	duration := out.DurationSeconds
	if duration == 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	a := &Artifact{
		SchemaVersion:       SchemaVersion,
		RecordingID:         in.Recording.RecordingID,
		JobID:               in.JobID,
		Language:            out.Language,
		LanguageProbability: langProb,
		Text:                text,
		WordCount:           len(strings.Fields(text)),
		OverallConfidence:   overall,
		AudioDurationSecs:   duration,
		ProcessingSecs:      in.Completed.Sub(in.Submitted).Seconds(),
		Segments:            segments,
		Features: Features{
			Summary: out.Summary,
			SRT:     out.SRT,
		},
		Call: Call{
			StartTime:       in.Recording.StartTime,
			DurationSeconds: in.Recording.DurationSeconds,
			Direction:       string(in.Recording.Direction),
			From:            Party{Number: in.Recording.FromNumber, Name: in.Recording.FromName},
			To:              Party{Number: in.Recording.ToNumber, Name: in.Recording.ToName},
		},
		Timestamps: Timestamps{
			Submitted: in.Submitted.UTC(),
			Completed: in.Completed.UTC(),
		},
	}

	for _, rw := range out.WordSegments {
		a.Features.WordSegments = append(a.Features.WordSegments, Word{
			Word:       rw.Word,
			Start:      rw.Start,
			End:        rw.End,
			Confidence: rw.Confidence,
		})
	}
	if in.Diarization {
		a.Features.Speakers = speakerList(segments, out.Speakers)
	}

	// Render an SRT from segments when the service didn't supply one.
	if a.Features.SRT == "" && len(segments) > 0 {
		a.Features.SRT = RenderSRT(segments)
	}

	return a, nil
}

func checkSegment(recordingID string, prev []Segment, seg Segment) error {
	if seg.End < seg.Start {
		return fault.Newf(fault.Validation, "artifact.compose",
			"recording %s segment %d: end %.3f before start %.3f", recordingID, seg.ID, seg.End, seg.Start)
	}
	if len(prev) > 0 {
		last := prev[len(prev)-1]
		if last.End > seg.Start+segmentOverlapTolerance {
			return fault.Newf(fault.Validation, "artifact.compose",
				"recording %s segment %d: overlaps previous by more than %.1fs", recordingID, seg.ID, segmentOverlapTolerance)
		}
	}
	return nil
}

// speakerList merges service-reported speakers with those found on segments,
// preserving first-seen order.
func speakerList(segments []Segment, reported []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range reported {
		add(s)
	}
	for _, seg := range segments {
		add(seg.Speaker)
	}
	return out
}

// normalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends. Word counts are computed from this form.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
