package tts

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TextSource is a streamed reply, such as an llm.Stream
type TextSource interface {
	Next() bool
	Delta() string
	Err() error
}

// Pipeline segments a text stream and synthesizes the segments in order
// while the text is still being produced
type Pipeline struct {
	synth   Synthesizer
	policy  BoundaryPolicy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPipeline creates a pipeline. timeout bounds each synthesis call.
func NewPipeline(synth Synthesizer, policy BoundaryPolicy, timeout time.Duration, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		synth:   synth,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *Pipeline) Name() string { return p.synth.Name() }

func (p *Pipeline) SampleRate() int { return p.synth.SampleRate() }

// Run returns the audio for src. A failure of src ends the stream with the
// source's own error; a synthesis failure ends it with a *SynthesisError.
// Cancelling ctx ends it with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, src TextSource) *AudioStream {
	out := NewAudioStream(8)
	g, gctx := errgroup.WithContext(ctx)

	deltas := make(chan string)
	segments := make(chan string, 32)

	// source
	g.Go(func() error {
		for src.Next() {
			select {
			case deltas <- src.Delta():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := src.Err(); err != nil {
			return err
		}
		close(deltas)
		return nil
	})

	// segmenter
	g.Go(func() error {
		defer close(segments)
		seg := NewSegmenter(p.policy)

		var tick <-chan time.Time
		if p.policy.MaxWait > 0 {
			ticker := time.NewTicker(max(p.policy.MaxWait/4, 20*time.Millisecond))
			defer ticker.Stop()
			tick = ticker.C
		}

		emit := func(s string) error {
			if s == "" {
				return nil
			}
			select {
			case segments <- s:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		for {
			select {
			case d, ok := <-deltas:
				if !ok {
					return emit(seg.Flush())
				}
				for _, s := range seg.Push(d) {
					if err := emit(s); err != nil {
						return err
					}
				}
			case now := <-tick:
				if err := emit(seg.Due(now)); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// speaker
	g.Go(func() error {
		for text := range segments {
			if err := p.speak(gctx, out, text); err != nil {
				return err
			}
		}
		return nil
	})

	// a failed stage leaves the source blocked in Next unless it is closed
	if c, ok := src.(io.Closer); ok {
		go func() {
			<-gctx.Done()
			c.Close()
		}()
	}

	go func() {
		out.Finish(g.Wait())
	}()
	return out
}

// Speak synthesizes a fixed text, such as a standby prompt
func (p *Pipeline) Speak(ctx context.Context, text string) *AudioStream {
	return p.Run(ctx, &textSource{parts: []string{text}})
}

func (p *Pipeline) speak(ctx context.Context, out *AudioStream, text string) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	start := time.Now()
	stream, err := p.synth.Synthesize(callCtx, text)
	if err != nil {
		return p.wrap(ctx, err)
	}

	first := true
	for c := range stream.Chunks() {
		c.Segment = text
		c.SegmentStart = first
		first = false
		if !out.Send(ctx, c) {
			return ctx.Err()
		}
	}
	if err := stream.Err(); err != nil {
		return p.wrap(ctx, err)
	}

	p.logger.Debug().
		Str("backend", p.synth.Name()).
		Str("text", text).
		Dur("latency", time.Since(start)).
		Msg("Segment synthesized")
	return nil
}

// wrap keeps cancellation of the whole run distinguishable from a failed call
func (p *Pipeline) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var se *SynthesisError
	if errors.As(err, &se) {
		return se
	}
	return &SynthesisError{Backend: p.synth.Name(), Err: err}
}

// textSource replays fixed parts as a TextSource
type textSource struct {
	parts []string
	cur   string
}

func (s *textSource) Next() bool {
	if len(s.parts) == 0 {
		return false
	}
	s.cur, s.parts = s.parts[0], s.parts[1:]
	return true
}

func (s *textSource) Delta() string { return s.cur }

func (s *textSource) Err() error { return nil }
