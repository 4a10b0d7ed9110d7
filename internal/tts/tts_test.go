package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sliceSource streams fixed deltas, then ends with err
type sliceSource struct {
	parts []string
	err   error
	cur   string
}

func (s *sliceSource) Next() bool {
	if len(s.parts) == 0 {
		return false
	}
	s.cur, s.parts = s.parts[0], s.parts[1:]
	return true
}

func (s *sliceSource) Delta() string { return s.cur }
func (s *sliceSource) Err() error    { return s.err }

// blockingSource emits one delta, then blocks until closed
type blockingSource struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func (s *blockingSource) Next() bool {
	if !s.sent {
		s.sent = true
		return true
	}
	<-s.closed
	return false
}

func (s *blockingSource) Delta() string { return "Hello there. " }
func (s *blockingSource) Err() error    { return context.Canceled }

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// failingSynth fails every call, or blocks until ctx is done when block is set
type failingSynth struct {
	block bool
}

func (f *failingSynth) Name() string    { return "failing" }
func (f *failingSynth) SampleRate() int { return 16000 }

func (f *failingSynth) Synthesize(ctx context.Context, text string) (*AudioStream, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, errors.New("voice not found")
}

type collected struct {
	segments []string
	starts   int
	samples  int
	err      error
}

func collect(s *AudioStream) collected {
	var c collected
	for chunk := range s.Chunks() {
		if chunk.SegmentStart {
			c.starts++
			c.segments = append(c.segments, chunk.Segment)
		}
		c.samples += len(chunk.PCM)
	}
	c.err = s.Err()
	return c
}

func TestPipeline_SynthesizesSegmentsInOrder(t *testing.T) {
	tone := &ToneSynthesizer{}
	p := NewPipeline(tone, DefaultBoundaryPolicy(), time.Second, zerolog.Nop())

	src := &sliceSource{parts: []string{"Hello th", "ere. How are", " you?"}}
	got := collect(p.Run(context.Background(), src))
	if got.err != nil {
		t.Fatalf("Unexpected error: %v", got.err)
	}

	want := []string{"Hello there.", "How are you?"}
	if len(got.segments) != len(want) {
		t.Fatalf("Expected segments %q, got %q", want, got.segments)
	}
	for i := range want {
		if got.segments[i] != want[i] {
			t.Errorf("Segment %d: expected %q, got %q", i, want[i], got.segments[i])
		}
	}

	expected := 0
	for _, s := range want {
		expected += int(tone.Duration(s).Seconds() * 16000)
	}
	if got.samples != expected {
		t.Errorf("Expected %d samples, got %d", expected, got.samples)
	}
}

func TestPipeline_SourceErrorPassesThrough(t *testing.T) {
	errBoom := errors.New("model overloaded")
	p := NewPipeline(&ToneSynthesizer{}, DefaultBoundaryPolicy(), time.Second, zerolog.Nop())

	got := collect(p.Run(context.Background(), &sliceSource{parts: []string{"Hello"}, err: errBoom}))
	if !errors.Is(got.err, errBoom) {
		t.Errorf("Expected the source error, got %v", got.err)
	}
	var se *SynthesisError
	if errors.As(got.err, &se) {
		t.Error("Expected a source failure not to be reported as a synthesis failure")
	}
}

func TestPipeline_SynthesisFailure(t *testing.T) {
	p := NewPipeline(&failingSynth{}, DefaultBoundaryPolicy(), time.Second, zerolog.Nop())

	got := collect(p.Run(context.Background(), &sliceSource{parts: []string{"Hello there."}}))
	var se *SynthesisError
	if !errors.As(got.err, &se) {
		t.Fatalf("Expected SynthesisError, got %v", got.err)
	}
	if se.Backend != "failing" {
		t.Errorf("Expected backend failing, got %s", se.Backend)
	}
}

func TestPipeline_FailureClosesBlockedSource(t *testing.T) {
	p := NewPipeline(&failingSynth{}, DefaultBoundaryPolicy(), time.Second, zerolog.Nop())
	src := &blockingSource{closed: make(chan struct{})}

	done := make(chan collected)
	go func() { done <- collect(p.Run(context.Background(), src)) }()

	select {
	case got := <-done:
		var se *SynthesisError
		if !errors.As(got.err, &se) {
			t.Errorf("Expected SynthesisError, got %v", got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipeline did not finish while the source was blocked")
	}
}

func TestPipeline_Deadline(t *testing.T) {
	p := NewPipeline(&failingSynth{block: true}, DefaultBoundaryPolicy(), 20*time.Millisecond, zerolog.Nop())

	got := collect(p.Speak(context.Background(), "Are you still there?"))
	var se *SynthesisError
	if !errors.As(got.err, &se) || !errors.Is(got.err, context.DeadlineExceeded) {
		t.Errorf("Expected SynthesisError wrapping DeadlineExceeded, got %v", got.err)
	}
}

func TestPipeline_Cancel(t *testing.T) {
	p := NewPipeline(&ToneSynthesizer{ChunkDelay: 20 * time.Millisecond}, DefaultBoundaryPolicy(), time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	stream := p.Speak(ctx, strings.Repeat("a long sentence ", 10))
	<-stream.Chunks()
	cancel()

	if err := stream.Drain(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPipeline_MaxWaitFlushesSlowText(t *testing.T) {
	policy := DefaultBoundaryPolicy()
	policy.MaxWait = 40 * time.Millisecond
	p := NewPipeline(&ToneSynthesizer{}, policy, time.Second, zerolog.Nop())

	src := &slowSource{parts: []string{"Let me check that", " for you"}, gap: 200 * time.Millisecond}
	got := collect(p.Run(context.Background(), src))
	if got.err != nil {
		t.Fatalf("Unexpected error: %v", got.err)
	}
	if len(got.segments) != 2 || got.segments[0] != "Let me check that" {
		t.Errorf("Expected the first part to flush on its own, got %q", got.segments)
	}
}

// slowSource waits gap before every delta after the first
type slowSource struct {
	parts []string
	gap   time.Duration
	n     int
	cur   string
}

func (s *slowSource) Delta() string { return s.cur }
func (s *slowSource) Err() error    { return nil }

func (s *slowSource) Next() bool {
	if s.n >= len(s.parts) {
		return false
	}
	if s.n > 0 {
		time.Sleep(s.gap)
	}
	s.cur = s.parts[s.n]
	s.n++
	return true
}

func TestToneSynthesizer_Deterministic(t *testing.T) {
	tone := &ToneSynthesizer{}
	a := collect(mustSynth(t, tone, "good morning"))
	b := collect(mustSynth(t, tone, "good morning"))
	if a.samples != b.samples || a.samples == 0 {
		t.Errorf("Expected equal non-empty output, got %d and %d samples", a.samples, b.samples)
	}
	if tone.Duration("") != toneMin {
		t.Errorf("Expected minimum duration for empty text, got %v", tone.Duration(""))
	}
}

func mustSynth(t *testing.T, s Synthesizer, text string) *AudioStream {
	t.Helper()
	stream, err := s.Synthesize(context.Background(), text)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	return stream
}

func TestCartesiaSynthesizer_StreamsPCM(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Cartesia-Version") == "" {
			t.Error("Expected Cartesia-Version header")
		}
		var req cartesiaRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("Invalid request body: %v", err)
		}
		if req.Transcript != "Hello." || req.OutputFormat.SampleRate != 16000 || req.Voice.ID != "voice-1" {
			t.Errorf("Unexpected request %+v", req)
		}
		// 7001 bytes exercises the odd-byte carry across reads
		w.Write(make([]byte, 7001))
	}))
	defer server.Close()

	c := NewCartesiaSynthesizer(CartesiaConfig{APIKey: "test-key", URL: server.URL, VoiceID: "voice-1", ModelID: "sonic-2"}, zerolog.Nop())
	got := collect(mustSynth(t, c, "Hello."))
	if got.err != nil {
		t.Fatalf("Unexpected error: %v", got.err)
	}
	if got.samples != 3500 {
		t.Errorf("Expected 3500 samples, got %d", got.samples)
	}
}

func TestCartesiaSynthesizer_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewCartesiaSynthesizer(CartesiaConfig{URL: server.URL}, zerolog.Nop())
	_, err := c.Synthesize(context.Background(), "Hello.")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected a 401 error, got %v", err)
	}
}
