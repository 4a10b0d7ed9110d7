package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/lexiqai/voice-server/internal/audio"
)

// ToneSynthesizer renders text as a sine beep whose length follows the text
// length. Output depends only on the text.
type ToneSynthesizer struct {
	Frequency float64
	// PerRune is the audio length per rune of text
	PerRune time.Duration
	// ChunkDelay paces chunk delivery like a remote backend
	ChunkDelay time.Duration
}

const (
	toneChunk     = 60 * time.Millisecond
	toneMin       = 120 * time.Millisecond
	toneMax       = 6 * time.Second
	toneAmplitude = 6000
)

func (t *ToneSynthesizer) Name() string { return "tone" }

func (t *ToneSynthesizer) SampleRate() int { return audio.PipelineSampleRate }

// Duration returns the audio length produced for text
func (t *ToneSynthesizer) Duration(text string) time.Duration {
	per := t.PerRune
	if per <= 0 {
		per = 40 * time.Millisecond
	}
	d := time.Duration(utf8.RuneCountInString(text)) * per
	return min(max(d, toneMin), toneMax)
}

func (t *ToneSynthesizer) Synthesize(ctx context.Context, text string) (*AudioStream, error) {
	freq := t.Frequency
	if freq <= 0 {
		freq = 440
	}
	rate := audio.PipelineSampleRate
	total := int(t.Duration(text).Seconds() * float64(rate))
	step := int(toneChunk.Seconds() * float64(rate))

	stream := NewAudioStream(4)
	go func() {
		for off := 0; off < total; off += step {
			n := min(step, total-off)
			pcm := make([]int16, n)
			for i := range pcm {
				pcm[i] = int16(toneAmplitude * math.Sin(2*math.Pi*freq*float64(off+i)/float64(rate)))
			}
			if t.ChunkDelay > 0 {
				select {
				case <-time.After(t.ChunkDelay):
				case <-ctx.Done():
					stream.Finish(ctx.Err())
					return
				}
			}
			if !stream.Send(ctx, &AudioChunk{PCM: pcm, SampleRate: rate}) {
				stream.Finish(ctx.Err())
				return
			}
		}
		stream.Finish(nil)
	}()
	return stream, nil
}
