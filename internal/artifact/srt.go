package artifact

import (
	"fmt"
	"strings"
)

// RenderSRT renders segments as an SRT subtitle document. Speaker labels are
// included when present.
func RenderSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTime(seg.Start), srtTime(seg.End))
		text := seg.Text
		if seg.Speaker != "" {
			text = fmt.Sprintf("[Speaker %s]: %s", seg.Speaker, text)
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}

func srtTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	s := int(seconds) % 60
	ms := int((seconds - float64(int(seconds))) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
