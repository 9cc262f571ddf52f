package audio

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/observability"
)

// ChunkSink receives wire-ready chunks in emission order
type ChunkSink interface {
	SendAudio(chunk Chunk) error
}

// StreamerConfig holds capture and conversion settings
type StreamerConfig struct {
	Preferred          Format  // requested native format
	AutoGain           bool    // apply gain and soft clip before serialization
	Gain               GainConfig
	LowSignalThreshold float64 // RMS of the native frame below which low signal is flagged
	ResetCarryOnPause  bool    // discard a partial chunk when pausing
	QueueSize          int     // chunks buffered between the capture thread and the sink
}

// DefaultStreamerConfig returns the production streaming settings
func DefaultStreamerConfig() *StreamerConfig {
	return &StreamerConfig{
		Preferred:          Format{SampleRate: 48000, Channels: 1},
		AutoGain:           true,
		Gain:               DefaultGainConfig(),
		LowSignalThreshold: DefaultLowSignalThreshold,
		QueueSize:          64,
	}
}

// Streamer captures microphone audio and emits 4096-byte float32 chunks to a sink
type Streamer struct {
	cfg    *StreamerConfig
	device CaptureDevice
	sink   ChunkSink
	logger zerolog.Logger

	mu         sync.Mutex
	configured bool
	streaming  bool
	tapped     bool
	converter  *Converter
	chunker    *Chunker
	level      *LevelMonitor
	taps       []PCMTap
	queue      chan Chunk
	senderDone chan struct{}
}

// NewStreamer creates a streamer; call Configure or Start to acquire the device
func NewStreamer(device CaptureDevice, sink ChunkSink, cfg *StreamerConfig) *Streamer {
	if cfg == nil {
		cfg = DefaultStreamerConfig()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Streamer{
		cfg:     cfg,
		device:  device,
		sink:    sink,
		logger:  observability.Component("audio_streamer"),
		chunker: NewChunker(ChunkSize),
		level:   NewLevelMonitor(cfg.LowSignalThreshold),
	}
}

// AddTap registers an extra consumer of converted PCM, such as a WAVRecorder.
// Taps are closed when the streamer stops.
func (s *Streamer) AddTap(tap PCMTap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taps = append(s.taps, tap)
}

// Configure opens the capture device. On failure the streamer stays unconfigured.
func (s *Streamer) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configureLocked()
}

func (s *Streamer) configureLocked() error {
	if s.configured {
		return nil
	}

	format, err := s.device.Open(s.cfg.Preferred, s.onFrame)
	if err != nil {
		observability.RecordError("audio_session", "audio_streamer")
		return &AudioSessionError{Op: "configure", Err: err}
	}

	converter, err := NewConverter(format)
	if err != nil {
		_ = s.device.Close()
		observability.RecordError("converter", "audio_streamer")
		return &AudioSessionError{Op: "converter", Err: err}
	}

	s.converter = converter
	s.configured = true
	s.logger.Info().
		Str("native_format", format.String()).
		Str("preferred_format", s.cfg.Preferred.String()).
		Msg("Audio capture configured")
	return nil
}

// Start begins capture. Calling Start while streaming logs a warning and returns nil.
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming {
		s.logger.Warn().Msg("Start called while already streaming")
		return nil
	}
	if err := s.configureLocked(); err != nil {
		return err
	}

	s.queue = make(chan Chunk, s.cfg.QueueSize)
	s.senderDone = make(chan struct{})
	go s.runSender(s.queue, s.senderDone)

	s.tapped = true
	if err := s.device.Start(); err != nil {
		s.tapped = false
		close(s.queue)
		<-s.senderDone
		s.queue = nil
		return &AudioSessionError{Op: "start", Err: err}
	}

	s.streaming = true
	s.logger.Info().Msg("Audio streaming started")
	return nil
}

// Pause detaches the frame callback while keeping the device open
func (s *Streamer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streaming || !s.tapped {
		return
	}
	s.tapped = false
	if s.cfg.ResetCarryOnPause {
		s.chunker.Reset()
		if s.converter != nil {
			s.converter.Reset()
		}
	}
	s.logger.Info().Int("carried_bytes", s.chunker.Pending()).Msg("Audio streaming paused")
}

// Resume reattaches the frame callback
func (s *Streamer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streaming || s.tapped {
		return
	}
	s.tapped = true
	s.logger.Info().Msg("Audio streaming resumed")
}

// Stop detaches the callback, releases the device and drains queued chunks to
// the sink. It does not signal end of stream.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.tapped = false
	s.streaming = false
	s.mu.Unlock()

	// The device callback may be blocked on s.mu; stop the device unlocked.
	var errs []error
	if err := s.device.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.device.Close(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	close(s.queue)
	done := s.senderDone
	s.queue = nil
	s.configured = false
	s.converter = nil
	s.chunker.Reset()
	s.level.Reset()
	taps := s.taps
	s.taps = nil
	s.mu.Unlock()

	<-done

	for _, tap := range taps {
		if err := tap.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info().Msg("Audio streaming stopped")
	return errors.Join(errs...)
}

// IsStreaming reports whether capture is started (paused or not)
func (s *Streamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// IsPaused reports whether capture is started but detached
func (s *Streamer) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming && !s.tapped
}

// onFrame runs on the device thread for every native buffer
func (s *Streamer) onFrame(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tapped || s.converter == nil {
		return
	}
	observability.RecordAudioBytes("native", len(frame.Samples)*4)

	if _, _, lowStarted, lowEnded := s.level.ProcessFrame(frame.Samples); lowStarted {
		observability.RecordLowSignal()
		s.logger.Warn().Msg("Low input signal detected")
	} else if lowEnded {
		s.logger.Debug().Int("quiet_frames", s.level.LowFrames()).Msg("Input signal recovered")
	}

	pcm, err := s.converter.Convert(frame)
	if err != nil {
		observability.RecordDroppedFrame("convert")
		s.logger.Error().Err(err).Msg("Dropping frame after conversion failure")
		return
	}

	for _, tap := range s.taps {
		if err := tap.WritePCM(pcm); err != nil {
			s.logger.Warn().Err(err).Msg("PCM tap write failed")
		}
	}

	samples := NormalizePCM16(pcm)
	if s.cfg.AutoGain {
		ApplyAutoGain(samples, s.cfg.Gain)
	}

	data := Float32ToBytes(samples)
	observability.RecordAudioBytes("wire", len(data))

	for _, chunk := range s.chunker.Push(data) {
		select {
		case s.queue <- chunk:
			observability.RecordChunkEmitted()
		default:
			observability.RecordDroppedFrame("queue_full")
			s.logger.Warn().Msg("Chunk queue full, dropping chunk")
		}
	}
}

// runSender forwards chunks to the sink one at a time, in order
func (s *Streamer) runSender(queue <-chan Chunk, done chan<- struct{}) {
	defer close(done)
	for chunk := range queue {
		if err := s.sink.SendAudio(chunk); err != nil {
			s.logger.Debug().Err(err).Msg("Sink rejected chunk")
		}
	}
}
