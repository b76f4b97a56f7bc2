package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/queue"
)

// Elector decides whether this process may sweep. A nil Elector means the
// sweeper assumes it runs alone.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Sweeper re-injects pending jobs whose worker appears to have died between
// dequeue and completion. A job slower than StaleAfter is re-run as well,
// which at-least-once delivery permits.
type Sweeper struct {
	q          *queue.RedisQ
	channels   []string
	staleAfter time.Duration
	elector    Elector
	log        *zap.Logger
	now        func() time.Time
}

func New(q *queue.RedisQ, channels []string, staleAfter time.Duration, elector Elector, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{q: q, channels: channels, staleAfter: staleAfter, elector: elector, log: log, now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		if s.elector != nil {
			ok, err := s.elector.TryAcquire(ctx)
			if err != nil {
				s.log.Warn("leader election failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		s.SweepAll(ctx)
	}
}

// SweepAll sweeps each channel and returns the number of jobs moved.
func (s *Sweeper) SweepAll(ctx context.Context) int {
	total := 0
	for _, ch := range s.channels {
		n, err := s.Sweep(ctx, ch)
		if err != nil {
			s.log.Warn("sweep failed", zap.String("channel", ch), zap.Error(err))
		}
		total += n
	}
	return total
}

func (s *Sweeper) Sweep(ctx context.Context, channel string) (int, error) {
	all, err := s.q.PendingRaw(ctx, channel)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.staleAfter)
	moved := 0
	for id, raw := range all {
		job, err := domain.DecodeJob(raw)
		if err != nil {
			s.log.Warn("unreadable pending entry", zap.String("channel", channel), zap.String("job_id", id), zap.Error(err))
			continue
		}
		// call jobs never get a worker to retry them
		if job.CallSID != "" || job.DequeuedAt == nil || job.DequeuedAt.After(cutoff) {
			continue
		}
		ok, err := s.q.Reinject(ctx, channel, id, raw)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
			s.log.Info("stale pending job re-queued",
				zap.String("channel", channel),
				zap.String("job_id", id),
				zap.Time("dequeued_at", *job.DequeuedAt))
		}
	}
	return moved, nil
}
