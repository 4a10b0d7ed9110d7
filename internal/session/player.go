package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/observability"
	"github.com/lexiqai/voice-server/internal/tts"
)

// pacer spaces outbound packets at the frame cadence after an initial burst
// of prebuffer packets, so the device buffer stays shallow and an
// interruption stops audible output quickly.
type pacer struct {
	frame     time.Duration
	prebuffer int
	start     time.Time
	sent      int
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.sent == 0 {
		p.start = now
	}
	ahead := p.sent - p.prebuffer
	if ahead < 0 {
		return nil
	}
	target := p.start.Add(time.Duration(ahead) * p.frame)
	if lag := now.Sub(target); lag > p.frame {
		// synthesis fell behind; restart the schedule from now
		p.start = p.start.Add(lag)
		return nil
	}
	return sleepCtx(ctx, time.Until(target))
}

// drained waits until the device has played everything sent
func (p *pacer) drained(ctx context.Context) error {
	if p.sent == 0 {
		return nil
	}
	return sleepCtx(ctx, time.Until(p.start.Add(time.Duration(p.sent)*p.frame)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// play encodes and paces stream to the device. It moves the run to
// Synthesizing on the first chunk and returns whether any audio went out.
// stop cancels the producer when playback fails early.
func (s *Session) play(ctx context.Context, run uint64, stream *tts.AudioStream, stop context.CancelFunc) (bool, error) {
	s.mu.Lock()
	format := s.outFormat
	s.mu.Unlock()

	codec, err := audio.NewCodec(format)
	if err != nil {
		stop()
		stream.Drain()
		return false, &tts.SynthesisError{Backend: "encoder", Err: err}
	}
	enc := audio.NewEncoder(codec)
	p := &pacer{frame: format.FrameDuration, prebuffer: s.opts.Prebuffer}

	started := false
	var failure error
	for chunk := range stream.Chunks() {
		if failure != nil {
			continue
		}
		if !started {
			if !s.advance(run, StateSynthesizing) {
				failure = errStaleRun
				stop()
				continue
			}
			started = true
			if failure = s.send(run, ServerMessage{Type: TypeTTS, State: TTSStart}); failure != nil {
				stop()
				continue
			}
		}
		if chunk.SegmentStart {
			if failure = s.send(run, ServerMessage{Type: TypeTTS, State: TTSSentenceStart, Text: chunk.Segment}); failure != nil {
				stop()
				continue
			}
		}

		packets, err := enc.Encode(chunk.PCM, chunk.SampleRate)
		if err != nil {
			failure = &tts.SynthesisError{Backend: "encoder", Err: err}
		} else {
			failure = s.writePackets(ctx, run, p, packets)
		}
		if failure != nil {
			stop()
		}
	}

	if failure != nil {
		return started, failure
	}
	if err := stream.Err(); err != nil {
		return started, err
	}
	if !started {
		return false, nil
	}

	tail, err := enc.Flush()
	if err != nil {
		return true, &tts.SynthesisError{Backend: "encoder", Err: err}
	}
	if err := s.writePackets(ctx, run, p, tail); err != nil {
		return true, err
	}
	return true, p.drained(ctx)
}

func (s *Session) writePackets(ctx context.Context, run uint64, p *pacer, packets [][]byte) error {
	for _, pkt := range packets {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if err := s.write(run, websocket.BinaryMessage, pkt); err != nil {
			return err
		}
		p.sent++
	}
	return nil
}

// watchIdle speaks the standby prompt and ends the session once nothing has
// happened for MaxIdle while listening
func (s *Session) watchIdle() {
	interval := max(min(s.opts.MaxIdle/4, time.Second), 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.Unix(0, s.lastActivity.Load())
		if time.Since(last) < s.opts.MaxIdle {
			continue
		}

		s.mu.Lock()
		idle := s.state == StateListening && !s.standby
		s.mu.Unlock()
		if !idle {
			continue
		}

		s.logger.Info().Dur("idle", time.Since(last)).Msg("Session idle, going to standby")
		s.start(StateSynthesizing, s.runStandby)
	}
}

func (s *Session) runStandby(ctx context.Context, run uint64) {
	s.mu.Lock()
	s.standby = true
	s.mu.Unlock()

	if prompt := s.deps.Profile.StandbyPrompt; prompt != "" {
		speakCtx, stopSpeaking := context.WithCancel(ctx)
		defer stopSpeaking()
		played, err := s.play(ctx, run, s.deps.Speaker.Speak(speakCtx, prompt), stopSpeaking)
		if err != nil {
			s.fail(ctx, run, observability.StageSynthesize, err)
			return
		}
		if played {
			s.notify(ServerMessage{Type: TypeTTS, State: TTSStop})
		}
	}
	if s.current(run) {
		s.Close()
	}
}
