package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire format expected by the transcription backend
const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	ChunkSize        = 4096 // bytes per chunk: 1024 float32 samples, 64ms at 16kHz
	pcm16Scale       = 32768.0
)

// GainConfig controls the auto-gain and soft clip stage
type GainConfig struct {
	TargetRMS float64 // RMS level the normalized signal is scaled to
	Epsilon   float64 // floor for the observed RMS to avoid dividing by zero
	Drive     float64 // pre-gain inside tanh; higher clips harder
}

// DefaultGainConfig returns the production gain settings
func DefaultGainConfig() GainConfig {
	return GainConfig{
		TargetRMS: 0.25,
		Epsilon:   0.00001,
		Drive:     3.0,
	}
}

// Converter turns native capture frames into mono 16kHz PCM16. It keeps the
// resampling phase between frames, so one Converter serves one continuous stream.
type Converter struct {
	src       Format
	resampler *resampler
}

// NewConverter creates a converter for the given native format
func NewConverter(src Format) (*Converter, error) {
	if src.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate %d", src.SampleRate)
	}
	if src.Channels <= 0 {
		return nil, fmt.Errorf("invalid source channel count %d", src.Channels)
	}
	return &Converter{src: src, resampler: newResampler(src.SampleRate, TargetSampleRate)}, nil
}

// Source returns the native format this converter accepts
func (c *Converter) Source() Format {
	return c.src
}

// Convert downmixes, resamples and quantizes one interleaved float32 frame
func (c *Converter) Convert(frame Frame) ([]int16, error) {
	if frame.Format != c.src {
		return nil, fmt.Errorf("frame format %s does not match converter input %s", frame.Format, c.src)
	}
	if len(frame.Samples) == 0 {
		return nil, errors.New("empty frame")
	}
	if len(frame.Samples)%c.src.Channels != 0 {
		return nil, fmt.Errorf("frame has %d samples, not a multiple of %d channels", len(frame.Samples), c.src.Channels)
	}

	mono := Downmix(frame.Samples, c.src.Channels)
	resampled := c.resampler.process(mono)
	return QuantizePCM16(resampled), nil
}

// Reset forgets the carried resampling state; the next frame starts a new stream
func (c *Converter) Reset() {
	c.resampler.reset()
}

// Downmix averages interleaved channels into a single channel
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample performs linear interpolation resampling
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	step := float64(inputRate) / float64(outputRate)
	outputLength := len(samples) * outputRate / inputRate
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) * step

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1-fraction) + samples[idx1]*fraction
	}

	return output
}

// resampler is a linear interpolator that continues across frame boundaries.
// pos is the source position of the next output sample relative to the start
// of the next frame; -1 addresses the last sample of the previous frame.
type resampler struct {
	step    float64
	pos     float64
	prev    float32
	hasPrev bool
}

func newResampler(inputRate, outputRate int) *resampler {
	return &resampler{step: float64(inputRate) / float64(outputRate)}
}

func (r *resampler) reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
}

func (r *resampler) process(samples []float32) []float32 {
	n := len(samples)
	if r.step == 1 || n == 0 {
		return samples
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return samples[i]
	}

	pos := r.pos
	if !r.hasPrev && pos < 0 {
		pos = 0
	}

	output := make([]float32, 0, int(float64(n)/r.step)+1)
	last := float64(n - 1)
	for pos < last {
		idx0 := int(math.Floor(pos))
		fraction := float32(pos - float64(idx0))
		output = append(output, at(idx0)*(1-fraction)+at(idx0+1)*fraction)
		pos += r.step
	}

	r.pos = pos - float64(n)
	r.prev = samples[n-1]
	r.hasPrev = true
	return output
}

// QuantizePCM16 converts [-1,1] floats to 16-bit integers, saturating out of range input
func QuantizePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * pcm16Scale)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// NormalizePCM16 maps 16-bit integers onto [-1,1] by dividing by 32768
func NormalizePCM16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcm16Scale
	}
	return out
}

// ApplyAutoGain scales samples in place so their RMS approaches cfg.TargetRMS,
// then soft clips every sample with tanh(sample * Drive). Returns the observed
// RMS and the gain used.
func ApplyAutoGain(samples []float32, cfg GainConfig) (rms float64, gain float64) {
	rms = CalculateRMS(samples)
	gain = cfg.TargetRMS / math.Max(rms, cfg.Epsilon)

	for i, s := range samples {
		samples[i] = float32(math.Tanh(float64(s) * gain * cfg.Drive))
	}
	return rms, gain
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// Float32ToBytes serializes samples as little-endian IEEE-754 float32
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// BytesToFloat32 decodes little-endian float32 samples, ignoring a trailing partial sample
func BytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
