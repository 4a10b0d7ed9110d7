package stt

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-server/internal/audio"
	"github.com/lexiqai/voice-server/internal/observability"
)

type inferResult struct {
	text string
	err  error
}

type inferJob struct {
	ctx     context.Context
	samples []int16
	rate    int
	result  chan inferResult
}

// InferenceQueue shares one Engine between all sessions. Requests are served
// in arrival order by a single worker; a request whose context is done by the
// time it is dequeued is skipped without touching the engine.
type InferenceQueue struct {
	engine Engine
	jobs   chan *inferJob
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewInferenceQueue starts the worker. size bounds the number of waiting
// requests; Submit blocks while the queue is full.
func NewInferenceQueue(engine Engine, size int, logger zerolog.Logger) *InferenceQueue {
	if size < 1 {
		size = 1
	}
	q := &InferenceQueue{
		engine: engine,
		jobs:   make(chan *inferJob, size),
		done:   make(chan struct{}),
		logger: logger.With().Str("engine", engine.Name()).Logger(),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues a request and waits for its result
func (q *InferenceQueue) Submit(ctx context.Context, samples []int16, rate int) (string, error) {
	job := &inferJob{
		ctx:     ctx,
		samples: samples,
		rate:    rate,
		result:  make(chan inferResult, 1),
	}

	select {
	case <-q.done:
		return "", ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		observability.SetInferenceQueueDepth(len(q.jobs))
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		return "", ErrQueueClosed
	}

	select {
	case r := <-job.result:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		return "", ErrQueueClosed
	}
}

// Len returns the number of waiting requests
func (q *InferenceQueue) Len() int {
	return len(q.jobs)
}

// Name returns the engine name
func (q *InferenceQueue) Name() string {
	return q.engine.Name()
}

func (q *InferenceQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case job := <-q.jobs:
			observability.SetInferenceQueueDepth(len(q.jobs))
			if err := job.ctx.Err(); err != nil {
				q.logger.Debug().Err(err).Msg("Skipping abandoned inference request")
				job.result <- inferResult{err: err}
				continue
			}
			text, err := q.engine.Infer(job.ctx, job.samples, job.rate)
			job.result <- inferResult{text: text, err: err}
		}
	}
}

// Close stops the worker after the in-flight request returns. Waiting
// requests fail with ErrQueueClosed.
func (q *InferenceQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
	return nil
}

// QueueTranscriber adapts an InferenceQueue to the Transcriber port
type QueueTranscriber struct {
	queue *InferenceQueue
}

// NewQueueTranscriber wraps queue
func NewQueueTranscriber(queue *InferenceQueue) *QueueTranscriber {
	return &QueueTranscriber{queue: queue}
}

func (t *QueueTranscriber) Transcribe(ctx context.Context, u *audio.Utterance) (string, error) {
	return t.queue.Submit(ctx, u.Samples(), u.SampleRate)
}

func (t *QueueTranscriber) Name() string {
	return t.queue.Name()
}

func (t *QueueTranscriber) Close() error {
	return t.queue.Close()
}

// Ping delegates to the engine when it can be probed
func (t *QueueTranscriber) Ping(ctx context.Context) error {
	if p, ok := t.queue.engine.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
