package audio

import (
	"fmt"
	"strings"
	"time"
)

// Encoding names the on-wire audio payload format
type Encoding string

const (
	EncodingOpus Encoding = "opus"
	EncodingPCM  Encoding = "pcm"  // 16-bit signed little-endian
	EncodingPCMU Encoding = "pcmu" // G.711 μ-law
)

// PipelineSampleRate is the rate every stage after the codec works at
const PipelineSampleRate = 16000

// Format describes one direction of a device audio stream
type Format struct {
	Encoding      Encoding
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultFormat is what the server advertises when the device says nothing
func DefaultFormat() Format {
	return Format{
		Encoding:      EncodingOpus,
		SampleRate:    PipelineSampleRate,
		Channels:      1,
		FrameDuration: 60 * time.Millisecond,
	}
}

// ParseEncoding maps a device-supplied format name to an Encoding
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opus", "":
		return EncodingOpus, nil
	case "pcm", "pcm16", "s16le", "linear16":
		return EncodingPCM, nil
	case "pcmu", "mulaw", "ulaw", "g711u":
		return EncodingPCMU, nil
	}
	return "", fmt.Errorf("unsupported audio encoding %q", s)
}

// FrameSamples returns samples per channel in one frame
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// Validate rejects formats the codecs cannot serve
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("invalid frame duration %s", f.FrameDuration)
	}
	return nil
}

// Frame is a fixed-duration slice of mono PCM16 samples at the pipeline rate.
// Frames are never mutated after they leave the decoder.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Samples   []int16
}

// Duration returns the playback length of the frame at rate
func (f *Frame) Duration(rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(rate)
}

// Utterance is the run of frames between SpeechStart and SpeechEnd
type Utterance struct {
	Frames     []*Frame
	SampleRate int
}

// NewUtterance creates an empty utterance at the given rate
func NewUtterance(rate int) *Utterance {
	return &Utterance{SampleRate: rate}
}

// Append adds a frame to the end of the utterance
func (u *Utterance) Append(f *Frame) {
	u.Frames = append(u.Frames, f)
}

// Len returns the number of frames
func (u *Utterance) Len() int {
	return len(u.Frames)
}

// Samples concatenates all frames
func (u *Utterance) Samples() []int16 {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Duration returns the total audio length
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	n := 0
	for _, f := range u.Frames {
		n += len(f.Samples)
	}
	return time.Duration(n) * time.Second / time.Duration(u.SampleRate)
}
