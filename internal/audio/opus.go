package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// maxOpusFrameSamples covers a 120 ms packet at 48 kHz
const maxOpusFrameSamples = 5760

// maxOpusPacket is the largest packet the encoder is asked to produce
const maxOpusPacket = 4000

type opusCodec struct {
	format Format
	dec    *opus.Decoder
	enc    *opus.Encoder
	pcm    []int16
	buf    []byte
}

func newOpusCodec(f Format) (*opusCodec, error) {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, &CodecError{Op: "init", Encoding: EncodingOpus, Err: fmt.Errorf("unsupported sample rate %d", f.SampleRate)}
	}

	dec, err := opus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, &CodecError{Op: "init", Encoding: EncodingOpus, Err: err}
	}
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, &CodecError{Op: "init", Encoding: EncodingOpus, Err: err}
	}

	return &opusCodec{
		format: f,
		dec:    dec,
		enc:    enc,
		pcm:    make([]int16, maxOpusFrameSamples*f.Channels),
		buf:    make([]byte, maxOpusPacket),
	}, nil
}

func (c *opusCodec) Format() Format { return c.format }

func (c *opusCodec) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, &CodecError{Op: "decode", Encoding: EncodingOpus, Err: ErrEmptyPayload}
	}
	n, err := c.dec.Decode(payload, c.pcm)
	if err != nil {
		return nil, &CodecError{Op: "decode", Encoding: EncodingOpus, Err: err}
	}
	out := make([]int16, n*c.format.Channels)
	copy(out, c.pcm[:n*c.format.Channels])
	return out, nil
}

// Encode expects exactly one frame of samples. Opus only accepts
// 2.5/5/10/20/40/60 ms frames, so callers go through Encoder.
func (c *opusCodec) Encode(samples []int16) ([]byte, error) {
	n, err := c.enc.Encode(samples, c.buf)
	if err != nil {
		return nil, &CodecError{Op: "encode", Encoding: EncodingOpus, Err: err}
	}
	out := make([]byte, n)
	copy(out, c.buf[:n])
	return out, nil
}
