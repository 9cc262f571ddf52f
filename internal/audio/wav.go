package audio

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// PCMTap receives converted 16kHz mono samples alongside the network stream
type PCMTap interface {
	WritePCM(samples []int16) error
	Close() error
}

// WAVRecorder writes converted audio to a 16-bit mono WAV file
type WAVRecorder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	format  *goaudio.Format
	samples int
	closed  bool
}

// NewWAVRecorder creates the file at path; the header is finalized on Close
func NewWAVRecorder(path string) (*WAVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	return &WAVRecorder{
		file: f,
		enc:  wav.NewEncoder(f, TargetSampleRate, 16, TargetChannels, 1),
		format: &goaudio.Format{
			NumChannels: TargetChannels,
			SampleRate:  TargetSampleRate,
		},
	}, nil
}

// WritePCM appends samples to the recording
func (r *WAVRecorder) WritePCM(samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recording already closed")
	}
	if len(samples) == 0 {
		return nil
	}

	buf := &goaudio.IntBuffer{
		Format:         r.format,
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	r.samples += len(samples)
	return nil
}

// Samples returns the number of samples written so far
func (r *WAVRecorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Close finalizes the WAV header and closes the file
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("finalizing recording: %w", encErr)
	}
	return fileErr
}
