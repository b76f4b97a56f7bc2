package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
)

var (
	errMissingID    = errors.New("job has no id")
	errWrongChannel = errors.New("job belongs to another channel")
)

// Worker drains one channel's submitted queue. Several workers may serve
// the same channel; the store's atomic pop hands each job to exactly one.
type Worker struct {
	q       *queue.RedisQ
	reg     *channel.Registry
	ch      *channel.Channel
	block   time.Duration
	backoff time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// WithBlockTimeout bounds each blocking pop. Run simply pops again when it
// elapses, so the wait for work is unbounded overall.
func WithBlockTimeout(d time.Duration) Option { return func(w *Worker) { w.block = d } }

// WithBackoff sets the pause after a store error.
func WithBackoff(d time.Duration) Option { return func(w *Worker) { w.backoff = d } }

func New(q *queue.RedisQ, reg *channel.Registry, name string, opts ...Option) (*Worker, error) {
	ch, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		q:       q,
		reg:     reg,
		ch:      ch,
		block:   5 * time.Second,
		backoff: time.Second,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.Nop()
	}
	w.log = w.log.With(zap.String("channel", name))
	return w, nil
}

// Run processes jobs until ctx is cancelled. An in-flight handler is not
// interrupted; Run returns after it finishes.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Duration("block", w.block))
	defer w.log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("queue store error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.backoff):
			}
		}
	}
}

// Once performs a single iteration. It returns the id of the job it handled,
// or "" when nothing arrived within the block timeout. Handler failures and
// malformed jobs end in the error log and are not returned as errors; only
// store failures are.
func (w *Worker) Once(ctx context.Context) (string, error) {
	raw, err := w.q.Pop(ctx, w.ch.Name, w.block)
	if errors.Is(err, queue.ErrEmpty) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop %s: %w", w.ch.Name, err)
	}
	return w.process(context.WithoutCancel(ctx), raw)
}

func (w *Worker) process(ctx context.Context, raw string) (string, error) {
	job, err := domain.DecodeJob(raw)
	if err != nil {
		w.malformed(ctx, "", raw, fmt.Errorf("decode job: %w", err))
		return "", nil
	}
	switch {
	case job.ID == "":
		w.malformed(ctx, "", raw, errMissingID)
		return "", nil
	case job.Channel != w.ch.Name:
		// the pending entry for this id, if any, is not ours to clear
		w.malformed(ctx, "", raw, fmt.Errorf("%w: %q", errWrongChannel, job.Channel))
		return job.ID, nil
	}
	log := w.log.With(zap.String("job_id", job.ID))

	h, err := w.reg.Handler(w.ch.Name)
	if err != nil {
		w.malformed(ctx, job.ID, raw, err)
		return job.ID, nil
	}

	dequeued := w.now().UTC()
	job.DequeuedAt = &dequeued
	if err := w.q.MarkPending(ctx, job); err != nil {
		// put it back so the job is not dropped between pop and pending
		if rqErr := w.q.Requeue(ctx, w.ch.Name, raw); rqErr != nil {
			log.Error("job lost after pop", zap.String("job", raw), zap.Error(rqErr))
		}
		return "", fmt.Errorf("mark pending %s: %w", job.ID, err)
	}

	// the handler may touch any field; identity is fixed here
	id := job.ID
	start := time.Now()
	herr := h.Invoke(ctx, job, w.ch.HandlerTimeout)
	took := time.Since(start)

	if herr != nil {
		log.Error("handler failed", zap.Duration("took", took), zap.Error(herr))
		w.fail(ctx, id, raw, herr, took)
		return id, nil
	}

	err = w.q.Complete(ctx, w.ch.Name, id, job)
	switch {
	case errors.Is(err, queue.ErrUnencodable):
		log.Error("handler result cannot be stored", zap.Error(err))
		w.fail(ctx, id, raw, err, took)
		return id, nil
	case err != nil:
		log.Error("complete failed, pending entry left", zap.Error(err))
		return id, fmt.Errorf("complete %s: %w", id, err)
	}
	w.metrics.Job(w.ch.Name, metrics.JobComplete, took)
	log.Debug("job complete", zap.Duration("took", took))
	return id, nil
}

// fail moves the job from pending to the error log with its dequeued form.
func (w *Worker) fail(ctx context.Context, id, raw string, cause error, took time.Duration) {
	w.metrics.Job(w.ch.Name, metrics.JobFailed, took)
	if err := w.q.Fail(ctx, w.ch.Name, id, raw, cause); err != nil {
		w.log.Error("error log write failed, pending entry left", zap.String("job_id", id), zap.Error(err))
	}
}

// malformed records a job that cannot be handled. The write is best effort.
func (w *Worker) malformed(ctx context.Context, id, raw string, cause error) {
	w.metrics.Job(w.ch.Name, metrics.JobMalformed, 0)
	w.log.Error("malformed job", zap.String("job_id", id), zap.Error(cause))
	if err := w.q.Fail(ctx, w.ch.Name, id, raw, cause); err != nil {
		w.log.Warn("error log write failed", zap.Error(err))
	}
}
