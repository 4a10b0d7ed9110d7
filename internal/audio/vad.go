package audio

import "time"

// VADEvent marks a speech boundary
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	}
	return "none"
}

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	SilenceDuration time.Duration // Silence needed after speech to close an utterance
	FrameDuration   time.Duration // Used when a frame's own length cannot be measured
	StartFrames     int           // Consecutive speech frames needed to open an utterance
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceDuration: 2500 * time.Millisecond,
		FrameDuration:   60 * time.Millisecond,
		StartFrames:     1,
	}
}

// VADResult is the classification of one frame
type VADResult struct {
	Speech bool
	Event  VADEvent
}

// VADDetector performs energy-based Voice Activity Detection. It keeps only
// counters and never holds audio. Not safe for concurrent use.
type VADDetector struct {
	config      *VADConfig
	silence     time.Duration
	speechRun   int
	inUtterance bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.StartFrames < 1 {
		config.StartFrames = 1
	}
	return &VADDetector{config: config}
}

// Process classifies a frame and reports a speech boundary when one is
// crossed. SpeechEnd fires once accumulated silence reaches the threshold.
func (v *VADDetector) Process(frame *Frame) VADResult {
	speech := CalculateRMS(frame.Samples) > v.config.EnergyThreshold
	result := VADResult{Speech: speech}

	if speech {
		v.silence = 0
		v.speechRun++
		if !v.inUtterance && v.speechRun >= v.config.StartFrames {
			v.inUtterance = true
			result.Event = VADSpeechStart
		}
		return result
	}

	v.speechRun = 0
	if !v.inUtterance {
		return result
	}

	v.silence += v.frameLength(frame)
	if v.silence >= v.config.SilenceDuration {
		v.inUtterance = false
		v.silence = 0
		result.Event = VADSpeechEnd
	}
	return result
}

func (v *VADDetector) frameLength(frame *Frame) time.Duration {
	if d := frame.Duration(PipelineSampleRate); d > 0 {
		return d
	}
	return v.config.FrameDuration
}

// InUtterance reports whether an utterance is open
func (v *VADDetector) InUtterance() bool {
	return v.inUtterance
}

// Silence returns the silence accumulated in the open utterance
func (v *VADDetector) Silence() time.Duration {
	return v.silence
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silence = 0
	v.speechRun = 0
	v.inUtterance = false
}
