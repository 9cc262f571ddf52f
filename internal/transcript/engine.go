package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/observability"
)

// Engine merges revisable segment batches into one rendered transcript.
// At most one segment is kept per distinct Start; the latest revision wins.
type Engine struct {
	mu       sync.RWMutex
	segments []Segment // sorted by Start
	lines    []string  // raw text lines from non-JSON messages
	rendered string
	onChange func(string)
	logger   zerolog.Logger
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{
		logger: observability.Component("transcript"),
	}
}

// OnChange registers fn to receive the rendered view after every batch
func (e *Engine) OnChange(fn func(string)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// ApplyBatch merges a {"segments":[...]} payload and returns the new rendered view.
// Malformed elements are skipped individually; a payload that is not a segments
// object returns an error and leaves the buffer untouched.
func (e *Engine) ApplyBatch(payload []byte) (string, error) {
	var batch struct {
		Segments []json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(payload, &batch); err != nil {
		observability.RecordSegment("malformed_batch")
		return e.Transcript(), fmt.Errorf("decoding segment batch: %w", err)
	}
	if len(batch.Segments) == 0 {
		return e.Transcript(), nil
	}

	e.mu.Lock()
	for i, raw := range batch.Segments {
		seg, err := parseSegment(raw)
		if err != nil {
			observability.RecordSegment("skipped")
			e.logger.Debug().Err(err).Int("index", i).Msg("Skipping malformed segment")
			continue
		}
		e.upsert(seg)
	}
	e.rendered = render(e.segments)
	rendered, onChange := e.rendered, e.onChange
	e.mu.Unlock()

	if onChange != nil {
		onChange(rendered)
	}
	return rendered, nil
}

// ApplyRawText records a plain text line unless it repeats the previous one.
// Returns whether the line was appended.
func (e *Engine) ApplyRawText(line string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n := len(e.lines); n > 0 && e.lines[n-1] == line {
		return false
	}
	e.lines = append(e.lines, line)
	return true
}

// upsert overwrites the segment with the same Start or inserts it in order
func (e *Engine) upsert(seg Segment) {
	i := sort.Search(len(e.segments), func(i int) bool {
		return e.segments[i].Start >= seg.Start
	})
	if i < len(e.segments) && e.segments[i].Start == seg.Start {
		e.segments[i] = seg
		observability.RecordSegment("revised")
		return
	}

	e.segments = append(e.segments, Segment{})
	copy(e.segments[i+1:], e.segments[i:])
	e.segments[i] = seg
	observability.RecordSegment("inserted")
}

// render joins completed segments in Start order, then the live tail
func render(segments []Segment) string {
	var parts []string
	var tail *Segment
	for i := range segments {
		seg := &segments[i]
		if seg.Completed {
			if text := strings.TrimSpace(seg.Text); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		// Sorted ascending, so the last incomplete one has the greatest Start
		tail = seg
	}
	if tail != nil {
		if text := strings.TrimSpace(tail.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Transcript returns the current rendered view
func (e *Engine) Transcript() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rendered
}

// FinalText returns the rendered view, or the raw lines when no segments arrived
func (e *Engine) FinalText() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.segments) > 0 {
		return strings.TrimSpace(e.rendered)
	}
	return strings.TrimSpace(strings.Join(e.lines, "\n"))
}

// CompletedText joins only completed segments
func (e *Engine) CompletedText() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var parts []string
	for _, seg := range e.segments {
		if text := strings.TrimSpace(seg.Text); seg.Completed && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Segments returns a copy of the buffer in Start order
func (e *Engine) Segments() []Segment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Segment, len(e.segments))
	copy(out, e.segments)
	return out
}

// Lines returns a copy of the raw text lines
func (e *Engine) Lines() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, len(e.lines))
	copy(out, e.lines)
	return out
}

// Reset clears all segments and lines
func (e *Engine) Reset() {
	e.mu.Lock()
	e.segments = nil
	e.lines = nil
	e.rendered = ""
	e.mu.Unlock()
}
