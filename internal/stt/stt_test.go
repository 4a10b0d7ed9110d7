package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
)

func makeUtterance(ms int, amplitude int16) *audio.Utterance {
	u := audio.NewUtterance(audio.PipelineSampleRate)
	frameSamples := audio.PipelineSampleRate * 60 / 1000
	for i := 0; i < ms/60; i++ {
		samples := make([]int16, frameSamples)
		for j := range samples {
			samples[j] = amplitude + int16(j%7)
		}
		u.Append(&audio.Frame{Seq: uint64(i), Samples: samples})
	}
	return u
}

// recordingEngine records call order and can block until released
type recordingEngine struct {
	mu      sync.Mutex
	calls   []int
	started chan struct{}
	release chan struct{}
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (e *recordingEngine) Name() string { return "recording" }

func (e *recordingEngine) Infer(ctx context.Context, samples []int16, rate int) (string, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-e.release
	e.mu.Lock()
	e.calls = append(e.calls, len(samples))
	e.mu.Unlock()
	return "ok", nil
}

func (e *recordingEngine) seen() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

func TestStubTranscriber_Deterministic(t *testing.T) {
	q := NewInferenceQueue(&StubEngine{}, 4, zerolog.Nop())
	defer q.Close()
	svc := NewService(NewQueueTranscriber(q), 300*time.Millisecond, time.Second, zerolog.Nop())

	ctx := context.Background()
	first, err := svc.Transcribe(ctx, makeUtterance(1200, 3000))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	second, err := svc.Transcribe(ctx, makeUtterance(1200, 3000))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected identical transcripts, got %q and %q", first, second)
	}

	other, _ := svc.Transcribe(ctx, makeUtterance(1200, 2000))
	if other == first {
		t.Errorf("Expected different audio to transcribe differently, both gave %q", first)
	}
}

func TestStubEngine_FixedText(t *testing.T) {
	e := &StubEngine{Text: "turn on the lights"}
	text, err := e.Infer(context.Background(), []int16{1, 2, 3}, 16000)
	if err != nil || text != "turn on the lights" {
		t.Errorf("Expected fixed text, got %q (%v)", text, err)
	}
}

func TestInferenceQueue_FIFO(t *testing.T) {
	engine := newRecordingEngine()
	q := NewInferenceQueue(engine, 8, zerolog.Nop())
	defer q.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Submit(context.Background(), make([]int16, n), 16000)
		}(i)
		// The first request occupies the worker, the rest wait in order
		if i == 1 {
			<-engine.started
		} else {
			waitFor(t, func() bool { return q.Len() == i-1 })
		}
	}

	close(engine.release)
	wg.Wait()

	calls := engine.seen()
	for i, n := range calls {
		if n != i+1 {
			t.Errorf("Expected request %d to be served in position %d, got %v", i+1, i, calls)
			break
		}
	}
}

func TestInferenceQueue_SkipsCancelledRequests(t *testing.T) {
	engine := newRecordingEngine()
	q := NewInferenceQueue(engine, 8, zerolog.Nop())
	defer q.Close()

	done := make(chan struct{})
	go func() {
		q.Submit(context.Background(), make([]int16, 1), 16000)
		close(done)
	}()
	<-engine.started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, make([]int16, 2), 16000)
		errCh <- err
	}()
	waitFor(t, func() bool { return q.Len() == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	close(engine.release)
	<-done
	waitFor(t, func() bool { return q.Len() == 0 })
	// Let the worker dequeue the abandoned request
	q.Submit(context.Background(), make([]int16, 3), 16000)

	calls := engine.seen()
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 3 {
		t.Errorf("Expected the cancelled request to be skipped, got %v", calls)
	}
}

func TestInferenceQueue_Close(t *testing.T) {
	q := NewInferenceQueue(&StubEngine{}, 1, zerolog.Nop())
	q.Close()

	if _, err := q.Submit(context.Background(), []int16{1}, 16000); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	// Second close is a no-op
	q.Close()
}

func TestService_TooShort(t *testing.T) {
	svc := NewService(&fixedTranscriber{}, 300*time.Millisecond, time.Second, zerolog.Nop())

	_, err := svc.Transcribe(context.Background(), makeUtterance(120, 3000))
	var te *TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TranscriptionError, got %v", err)
	}
	if te.Reason != "too_short" || !errors.Is(err, ErrUtteranceTooShort) {
		t.Errorf("Expected too_short, got %s (%v)", te.Reason, te.Err)
	}
}

func TestService_EmptyTranscript(t *testing.T) {
	svc := NewService(&fixedTranscriber{text: "   "}, 0, time.Second, zerolog.Nop())

	_, err := svc.Transcribe(context.Background(), makeUtterance(600, 3000))
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("Expected ErrEmptyTranscript, got %v", err)
	}
}

func TestService_Deadline(t *testing.T) {
	q := NewInferenceQueue(&StubEngine{Delay: time.Second}, 1, zerolog.Nop())
	defer q.Close()
	svc := NewService(NewQueueTranscriber(q), 0, 20*time.Millisecond, zerolog.Nop())

	_, err := svc.Transcribe(context.Background(), makeUtterance(600, 3000))
	var te *TranscriptionError
	if !errors.As(err, &te) || te.Reason != "timeout" {
		t.Errorf("Expected timeout TranscriptionError, got %v", err)
	}
}

func TestWhisperEngine_Infer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("Expected /inference, got %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Expected a file field: %v", err)
			return
		}
		defer file.Close()
		if header.Size != 44+2*960 {
			t.Errorf("Expected a %d byte WAV, got %d", 44+2*960, header.Size)
		}
		if r.FormValue("language") != "en" {
			t.Errorf("Expected language en, got %q", r.FormValue("language"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" hello world \n"}`))
	}))
	defer server.Close()

	e := NewWhisperEngine(server.URL+"/", "en")
	text, err := e.Infer(context.Background(), make([]int16, 960), 16000)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected 'hello world', got %q", text)
	}
}

func TestWhisperEngine_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWhisperEngine(server.URL, "").Infer(context.Background(), make([]int16, 10), 16000)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected a 503 error, got %v", err)
	}
}

// fixedTranscriber returns fixed text without a queue
type fixedTranscriber struct {
	text string
}

func (s *fixedTranscriber) Name() string { return "fixed" }

func (s *fixedTranscriber) Transcribe(ctx context.Context, u *audio.Utterance) (string, error) {
	return s.text, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
