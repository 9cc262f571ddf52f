package audio

import "fmt"

// Format describes native capture frames
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Frame is one native capture buffer of interleaved float32 samples
type Frame struct {
	Format  Format
	Samples []float32
}

// CaptureDevice is the platform microphone. Open configures the device and
// returns the format it actually granted; onFrame is invoked on the device's
// real-time thread once per native buffer while started.
type CaptureDevice interface {
	Open(preferred Format, onFrame func(Frame)) (Format, error)
	Start() error
	Stop() error
	Close() error
}

// AudioSessionError reports a recoverable failure to acquire or configure capture
type AudioSessionError struct {
	Op  string
	Err error
}

func (e *AudioSessionError) Error() string {
	return fmt.Sprintf("audio session %s: %v", e.Op, e.Err)
}

func (e *AudioSessionError) Unwrap() error {
	return e.Err
}
