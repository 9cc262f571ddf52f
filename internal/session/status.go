package session

import (
	"time"
)

// State is the recording lifecycle state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StatePaused
	StateStopped
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the session owns a live connection
func (s State) Active() bool {
	return s == StateStarting || s == StateRecording || s == StatePaused
}

// Status is a snapshot of the session published on every change
type Status struct {
	SessionID   string
	State       State
	Loading     bool
	Elapsed     time.Duration
	Transcript  string
	FinalScript string
	Backend     string
	Language    string
	Notice      string // latest backend status message
	Submitted   bool
	Err         error
}

func (s Status) equal(o Status) bool {
	errEqual := (s.Err == nil && o.Err == nil) ||
		(s.Err != nil && o.Err != nil && s.Err.Error() == o.Err.Error())
	return errEqual &&
		s.SessionID == o.SessionID &&
		s.State == o.State &&
		s.Loading == o.Loading &&
		s.Elapsed == o.Elapsed &&
		s.Transcript == o.Transcript &&
		s.FinalScript == o.FinalScript &&
		s.Backend == o.Backend &&
		s.Language == o.Language &&
		s.Notice == o.Notice &&
		s.Submitted == o.Submitted
}
