package audio

// DefaultLowSignalThreshold is the RMS below which a native frame is flagged as quiet
const DefaultLowSignalThreshold = 0.001

// LevelMonitor tracks input loudness across native capture frames. It is
// diagnostic only and never gates audio.
type LevelMonitor struct {
	threshold float64
	low       bool
	lowFrames int
}

// NewLevelMonitor creates a monitor; a non-positive threshold uses the default
func NewLevelMonitor(threshold float64) *LevelMonitor {
	if threshold <= 0 {
		threshold = DefaultLowSignalThreshold
	}
	return &LevelMonitor{threshold: threshold}
}

// ProcessFrame measures one frame.
// Returns: (rms, isLow, lowStarted, lowEnded)
func (m *LevelMonitor) ProcessFrame(samples []float32) (float64, bool, bool, bool) {
	rms := CalculateRMS(samples)
	frameLow := rms < m.threshold

	var lowStarted, lowEnded bool
	if frameLow {
		m.lowFrames++
		if !m.low {
			lowStarted = true
			m.low = true
		}
	} else {
		if m.low {
			lowEnded = true
			m.low = false
		}
		m.lowFrames = 0
	}

	return rms, m.low, lowStarted, lowEnded
}

// LowFrames returns how many consecutive quiet frames have been seen
func (m *LevelMonitor) LowFrames() int {
	return m.lowFrames
}

// Reset clears the monitor state
func (m *LevelMonitor) Reset() {
	m.low = false
	m.lowFrames = 0
}
