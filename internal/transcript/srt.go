package transcript

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
)

// WriteSRT writes the completed segments as SubRip subtitles
func (e *Engine) WriteSRT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	index := 1
	for _, seg := range e.Segments() {
		if !seg.Completed {
			continue
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n", index, srtTimestamp(seg.Start), srtTimestamp(seg.End), text); err != nil {
			return fmt.Errorf("writing srt: %w", err)
		}
		index++
	}
	return bw.Flush()
}

// srtTimestamp formats seconds as HH:MM:SS,mmm
func srtTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms %= 3_600_000
	m := ms / 60_000
	ms %= 60_000
	s := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
