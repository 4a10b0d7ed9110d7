package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyPayload is returned for zero-length packets
var ErrEmptyPayload = errors.New("empty audio payload")

// CodecError reports a frame that could not be decoded or encoded
type CodecError struct {
	Op       string // "decode" or "encode"
	Encoding Encoding
	Err      error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Encoding, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Codec converts between wire packets and PCM16 samples at the format's own
// rate and channel count. Implementations may be stateful and must not be
// shared between sessions.
type Codec interface {
	Decode(payload []byte) ([]int16, error)
	Encode(samples []int16) ([]byte, error)
	Format() Format
}

// NewCodec selects the codec implementation for f
func NewCodec(f Format) (Codec, error) {
	if err := f.Validate(); err != nil {
		return nil, &CodecError{Op: "init", Encoding: f.Encoding, Err: err}
	}
	switch f.Encoding {
	case EncodingOpus:
		return newOpusCodec(f)
	case EncodingPCM:
		return &pcmCodec{format: f}, nil
	case EncodingPCMU:
		return &pcmuCodec{format: f}, nil
	}
	return nil, &CodecError{Op: "init", Encoding: f.Encoding, Err: errors.New("unsupported encoding")}
}

type pcmCodec struct {
	format Format
}

func (c *pcmCodec) Format() Format { return c.format }

func (c *pcmCodec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, &CodecError{Op: "decode", Encoding: EncodingPCM, Err: ErrEmptyPayload}
	}
	samples, err := BytesToSamples(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", Encoding: EncodingPCM, Err: err}
	}
	return samples, nil
}

func (c *pcmCodec) Encode(samples []int16) ([]byte, error) {
	return SamplesToBytes(samples), nil
}

type pcmuCodec struct {
	format Format
}

func (c *pcmuCodec) Format() Format { return c.format }

func (c *pcmuCodec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, &CodecError{Op: "decode", Encoding: EncodingPCMU, Err: ErrEmptyPayload}
	}
	return DecodeMulaw(payload), nil
}

func (c *pcmuCodec) Encode(samples []int16) ([]byte, error) {
	return EncodeMulaw(samples), nil
}

// Decoder wraps a Codec with down-mixing, resampling to the pipeline rate
// and framing. It produces Frames with monotonically increasing Seq.
type Decoder struct {
	codec  Codec
	framer *Framer
	clock  func() time.Time
}

// NewDecoder creates an inbound pipeline for one session
func NewDecoder(codec Codec, frameSamples int) *Decoder {
	return &Decoder{
		codec:  codec,
		framer: NewFramer(frameSamples),
		clock:  time.Now,
	}
}

// Decode turns one wire packet into zero or more pipeline frames
func (d *Decoder) Decode(payload []byte) ([]*Frame, error) {
	samples, err := d.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	f := d.codec.Format()
	samples = Downmix(samples, f.Channels)
	samples = Resample(samples, f.SampleRate, PipelineSampleRate)
	return d.framer.Push(samples, d.clock()), nil
}

// Reset drops partially framed samples
func (d *Decoder) Reset() {
	d.framer.Reset()
}

// Encoder frames pipeline-rate samples into wire packets of the codec's
// frame duration.
type Encoder struct {
	codec  Codec
	framer *Framer
}

// NewEncoder creates an outbound pipeline for one session
func NewEncoder(codec Codec) *Encoder {
	f := codec.Format()
	return &Encoder{
		codec:  codec,
		framer: NewFramer(f.FrameSamples()),
	}
}

// Encode resamples samples from rate to the codec rate and returns every
// complete packet. The remainder is kept for the next call.
func (e *Encoder) Encode(samples []int16, rate int) ([][]byte, error) {
	samples = Resample(samples, rate, e.codec.Format().SampleRate)
	return e.encodeFrames(e.framer.Push(samples, time.Now()))
}

// Flush pads the remainder with silence and encodes it
func (e *Encoder) Flush() ([][]byte, error) {
	f := e.framer.Flush()
	if f == nil {
		return nil, nil
	}
	return e.encodeFrames([]*Frame{f})
}

// Reset discards the pending remainder
func (e *Encoder) Reset() {
	e.framer.Reset()
}

func (e *Encoder) encodeFrames(frames []*Frame) ([][]byte, error) {
	packets := make([][]byte, 0, len(frames))
	for _, fr := range frames {
		pkt, err := e.codec.Encode(fr.Samples)
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
