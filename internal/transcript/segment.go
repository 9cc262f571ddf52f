package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Segment is one time-bounded hypothesis from the backend, keyed by Start
type Segment struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	Completed bool    `json:"completed"`
}

// seconds accepts 1.5 or "1.5"; NaN and infinities are rejected
type seconds float64

func (s *seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", str, err)
		}
		return s.set(f)
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	return s.set(f)
}

var errNotFinite = errors.New("segment time is not a finite number")

func (s *seconds) set(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errNotFinite
	}
	*s = seconds(f)
	return nil
}

// wireSegment uses pointers so missing fields can be told apart from zero values
type wireSegment struct {
	Start     *seconds `json:"start"`
	End       *seconds `json:"end"`
	Text      *string  `json:"text"`
	Completed *bool    `json:"completed"`
}

var errMissingField = errors.New("segment missing required field")

// parseSegment decodes one element of a segments array
func parseSegment(raw json.RawMessage) (Segment, error) {
	var w wireSegment
	if err := json.Unmarshal(raw, &w); err != nil {
		return Segment{}, err
	}
	if w.Start == nil || w.End == nil || w.Text == nil || w.Completed == nil {
		return Segment{}, errMissingField
	}
	return Segment{
		Start:     float64(*w.Start),
		End:       float64(*w.End),
		Text:      *w.Text,
		Completed: *w.Completed,
	}, nil
}
