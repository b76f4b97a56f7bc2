package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/enq/internal/domain"
)

var (
	// ErrEmpty is returned by Pop when no job arrived within the wait.
	ErrEmpty = errors.New("queue empty")
	// ErrUnencodable means the job could not be serialized; nothing was
	// written.
	ErrUnencodable = errors.New("job cannot be encoded")
)

// Key suffixes inside the store. Every key is "{channel}.{suffix}".
const (
	SubmittedKey  = "submitted"
	PendingKey    = "pending"
	CompleteKey   = "complete"
	ErrorKey      = "error"
	InProgressKey = "in_progress"
)

func Key(channel, suffix string) string { return channel + "." + suffix }

type RedisQ struct {
	rdb r.UniversalClient
	now func() time.Time
}

func New(rdb r.UniversalClient) *RedisQ { return &RedisQ{rdb: rdb, now: time.Now} }

// Client exposes the underlying connection for components sharing the store.
func (q *RedisQ) Client() r.UniversalClient { return q.rdb }

// Push appends a job to the tail of its channel's submitted list.
func (q *RedisQ) Push(ctx context.Context, job *domain.Job) error {
	raw, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return q.rdb.RPush(ctx, Key(job.Channel, SubmittedKey), raw).Err()
}

// Requeue puts a raw job back at the head of the list.
func (q *RedisQ) Requeue(ctx context.Context, channel, raw string) error {
	return q.rdb.LPush(ctx, Key(channel, SubmittedKey), raw).Err()
}

// Pop blocks up to block for the next job. Redis rounds the wait to whole
// seconds with a minimum of one.
func (q *RedisQ) Pop(ctx context.Context, channel string, block time.Duration) (string, error) {
	res, err := q.rdb.BLPop(ctx, block, Key(channel, SubmittedKey)).Result()
	if errors.Is(err, r.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", ErrEmpty
}

func (q *RedisQ) Len(ctx context.Context, channel string) (int64, error) {
	return q.rdb.LLen(ctx, Key(channel, SubmittedKey)).Result()
}

func (q *RedisQ) MarkPending(ctx context.Context, job *domain.Job) error {
	job.Status = domain.Pending
	raw, err := job.Encode()
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, Key(job.Channel, PendingKey), job.ID, raw).Err()
}

// Complete moves a job from pending to complete in one transaction. The
// job is stored under channel and id whatever its fields say.
func (q *RedisQ) Complete(ctx context.Context, channel, id string, job *domain.Job) error {
	now := q.now().UTC()
	job.ID = id
	job.Channel = channel
	job.Status = domain.Complete
	job.FinishedAt = &now
	raw, err := job.Encode()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnencodable, id, err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		pipe.HDel(ctx, Key(channel, PendingKey), id)
		pipe.HSet(ctx, Key(channel, CompleteKey), id, raw)
		return nil
	})
	return err
}

// Fail clears the pending entry (when the id is known) and appends to the
// error log in one transaction.
func (q *RedisQ) Fail(ctx context.Context, channel, id, raw string, cause error) error {
	at, entry, err := q.failure(raw, cause)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe r.Pipeliner) error {
		if id != "" {
			pipe.HDel(ctx, Key(channel, PendingKey), id)
		}
		pipe.HSet(ctx, Key(channel, ErrorKey), at, entry)
		return nil
	})
	return err
}

// LogError appends to the error log without touching pending.
func (q *RedisQ) LogError(ctx context.Context, channel, raw string, cause error) error {
	return q.Fail(ctx, channel, "", raw, cause)
}

func (q *RedisQ) failure(raw string, cause error) (string, string, error) {
	at := q.now().UTC()
	f := domain.Failure{At: at, Error: cause.Error()}
	if raw != "" {
		if json.Valid([]byte(raw)) {
			f.Job = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			f.Job = quoted
		}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", "", err
	}
	// the suffix keeps simultaneous failures from sharing a field
	return at.Format(time.RFC3339Nano) + "/" + uuid.NewString()[:8], string(b), nil
}

func (q *RedisQ) Pending(ctx context.Context, channel string) (map[string]*domain.Job, error) {
	return q.jobs(ctx, Key(channel, PendingKey))
}

func (q *RedisQ) Completed(ctx context.Context, channel string) (map[string]*domain.Job, error) {
	return q.jobs(ctx, Key(channel, CompleteKey))
}

// PendingRaw returns pending entries as stored.
func (q *RedisQ) PendingRaw(ctx context.Context, channel string) (map[string]string, error) {
	return q.rdb.HGetAll(ctx, Key(channel, PendingKey)).Result()
}

func (q *RedisQ) Errors(ctx context.Context, channel string) (map[string]domain.Failure, error) {
	all, err := q.rdb.HGetAll(ctx, Key(channel, ErrorKey)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Failure, len(all))
	for at, raw := range all {
		var f domain.Failure
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			f = domain.Failure{Error: raw}
		}
		out[at] = f
	}
	return out, nil
}

func (q *RedisQ) Report(ctx context.Context, channel string) (*domain.Report, error) {
	pending, err := q.Pending(ctx, channel)
	if err != nil {
		return nil, err
	}
	complete, err := q.Completed(ctx, channel)
	if err != nil {
		return nil, err
	}
	errs, err := q.Errors(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &domain.Report{Channel: channel, Pending: pending, Complete: complete, Errors: errs}, nil
}

func (q *RedisQ) jobs(ctx context.Context, key string) (map[string]*domain.Job, error) {
	all, err := q.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Job, len(all))
	for id, raw := range all {
		j, err := domain.DecodeJob(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s[%s]: %w", key, id, err)
		}
		out[id] = j
	}
	return out, nil
}

// Reinject moves a pending entry back to the tail of submitted, provided it
// still equals expect. It reports false when the entry changed or vanished
// in the meantime.
func (q *RedisQ) Reinject(ctx context.Context, channel, id, expect string) (bool, error) {
	pending := Key(channel, PendingKey)
	moved := false
	err := q.rdb.Watch(ctx, func(tx *r.Tx) error {
		cur, err := tx.HGet(ctx, pending, id).Result()
		if errors.Is(err, r.Nil) || (err == nil && cur != expect) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err := domain.DecodeJob(cur)
		if err != nil {
			return err
		}
		job.Status = domain.Submitted
		job.DequeuedAt = nil
		raw, err := job.Encode()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.HDel(ctx, pending, id)
			pipe.RPush(ctx, Key(channel, SubmittedKey), raw)
			return nil
		})
		if err == nil {
			moved = true
		}
		return err
	}, pending)
	if errors.Is(err, r.TxFailedErr) {
		return false, nil
	}
	return moved, err
}
