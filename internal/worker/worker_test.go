package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
)

type fixture struct {
	mr  *miniredis.Miniredis
	q   *queue.RedisQ
	reg *channel.Registry
	m   *metrics.Metrics
}

func setup(t *testing.T, h channel.Handler) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := channel.New(channel.Channel{Name: "sample", MaxLength: 160})
	require.NoError(t, err)
	if h != nil {
		require.NoError(t, reg.Bind("sample", h))
	}
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return &fixture{mr: mr, q: queue.New(rdb), reg: reg, m: m}
}

func (f *fixture) worker(t *testing.T) *Worker {
	t.Helper()
	w, err := New(f.q, f.reg, "sample", WithBlockTimeout(time.Second), WithBackoff(10*time.Millisecond), WithMetrics(f.m))
	require.NoError(t, err)
	return w
}

func (f *fixture) push(t *testing.T, id, body string) {
	t.Helper()
	require.NoError(t, f.q.Push(context.Background(), &domain.Job{ID: id, Channel: "sample", From: "+1234567890", Body: body}))
}

func echo(_ context.Context, j *domain.Job) error {
	j.Set("final_data", j.Body)
	j.Reply = j.Body
	return nil
}

func TestOnce_Completes(t *testing.T) {
	f := setup(t, echo)
	f.push(t, "job-1", "You are strong in the ways of the Force.")

	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Empty(t, f.mr.HGet("sample.pending", id))
	done, err := f.q.Completed(context.Background(), "sample")
	require.NoError(t, err)
	require.Contains(t, done, id)
	assert.Equal(t, "+1234567890", done[id].From)
	assert.Equal(t, done[id].Body, done[id].Data["final_data"])
	assert.NotNil(t, done[id].DequeuedAt)
	assert.Equal(t, 1.0, f.m.JobCount("sample", metrics.JobComplete))
}

func TestOnce_PendingVisibleDuringHandler(t *testing.T) {
	var f *fixture
	seen := ""
	f = setup(t, func(_ context.Context, j *domain.Job) error {
		seen = f.mr.HGet("sample.pending", j.ID)
		return nil
	})
	f.push(t, "job-1", "hi")

	_, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Contains(t, seen, `"status":"pending"`)
}

func TestOnce_HandlerErrorClearsPending(t *testing.T) {
	f := setup(t, func(context.Context, *domain.Job) error { return errors.New("carrier down") })
	f.push(t, "job-1", "hi")

	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Empty(t, f.mr.HGet("sample.pending", id))
	assert.Empty(t, f.mr.HGet("sample.complete", id))
	errs, err := f.q.Errors(context.Background(), "sample")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	for _, e := range errs {
		assert.Equal(t, "carrier down", e.Error)
		assert.Contains(t, string(e.Job), `"job-1"`)
	}
	assert.Equal(t, 1.0, f.m.JobCount("sample", metrics.JobFailed))
}

func TestOnce_HandlerPanic(t *testing.T) {
	f := setup(t, func(context.Context, *domain.Job) error { panic("nil map") })
	f.push(t, "job-1", "hi")

	_, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.mr.HGet("sample.pending", "job-1"))
	errs, _ := f.q.Errors(context.Background(), "sample")
	assert.Len(t, errs, 1)
}

func TestOnce_HandlerDeadline(t *testing.T) {
	f := setup(t, func(ctx context.Context, _ *domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ch, _ := f.reg.Get("sample")
	ch.HandlerTimeout = 20 * time.Millisecond
	f.push(t, "job-1", "hi")

	_, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	errs, _ := f.q.Errors(context.Background(), "sample")
	require.Len(t, errs, 1)
	for _, e := range errs {
		assert.Contains(t, e.Error, "deadline")
	}
}

func TestOnce_Malformed(t *testing.T) {
	f := setup(t, echo)
	ctx := context.Background()
	rdb := f.q.Client()
	require.NoError(t, rdb.RPush(ctx, "sample.submitted", "{not json").Err())
	require.NoError(t, rdb.RPush(ctx, "sample.submitted", `{"channel":"sample","body":"no id"}`).Err())
	require.NoError(t, rdb.RPush(ctx, "sample.submitted", `{"id":"x","channel":"other"}`).Err())

	w := f.worker(t)
	for i := 0; i < 3; i++ {
		_, err := w.Once(ctx)
		require.NoError(t, err)
	}

	errs, err := f.q.Errors(ctx, "sample")
	require.NoError(t, err)
	assert.Len(t, errs, 3)
	pending, _ := f.q.Pending(ctx, "sample")
	assert.Empty(t, pending)
	assert.Equal(t, 3.0, f.m.JobCount("sample", metrics.JobMalformed))
}

func TestOnce_NoHandlerBound(t *testing.T) {
	f := setup(t, nil)
	f.push(t, "job-1", "hi")

	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	errs, _ := f.q.Errors(context.Background(), "sample")
	assert.Len(t, errs, 1)
}

func TestOnce_Empty(t *testing.T) {
	f := setup(t, echo)
	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestOnce_StoreDown(t *testing.T) {
	f := setup(t, echo)
	f.mr.Close()
	_, err := f.worker(t).Once(context.Background())
	require.Error(t, err)
	assert.True(t, queue.IsUnavailable(err))
}

func TestRun_FIFOUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	var order []string
	f := setup(t, func(_ context.Context, j *domain.Job) error {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil
	})
	for _, id := range []string{"a", "b", "c"} {
		f.push(t, id, id)
	}

	w := f.worker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestNew_UnknownChannel(t *testing.T) {
	f := setup(t, echo)
	_, err := New(f.q, f.reg, "nope")
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestOnce_UnencodableResultGoesToErrorLog(t *testing.T) {
	f := setup(t, func(_ context.Context, j *domain.Job) error {
		j.Set("score", math.NaN())
		return nil
	})
	f.push(t, "job-1", "hi")

	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Empty(t, f.mr.HGet("sample.pending", "job-1"))
	assert.Empty(t, f.mr.HGet("sample.complete", "job-1"))
	errs, err := f.q.Errors(context.Background(), "sample")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	for _, e := range errs {
		assert.Contains(t, e.Error, "cannot be encoded")
		assert.Contains(t, string(e.Job), `"job-1"`)
	}
	assert.Equal(t, 1.0, f.m.JobCount("sample", metrics.JobFailed))
}

func TestOnce_HandlerCannotMoveJob(t *testing.T) {
	f := setup(t, func(_ context.Context, j *domain.Job) error {
		j.ID = "rewritten"
		j.Channel = "elsewhere"
		return nil
	})
	f.push(t, "job-1", "hi")

	id, err := f.worker(t).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Empty(t, f.mr.HGet("sample.pending", "job-1"))
	done, err := f.q.Completed(context.Background(), "sample")
	require.NoError(t, err)
	require.Contains(t, done, "job-1")
	assert.Equal(t, "job-1", done["job-1"].ID)
	assert.Equal(t, "sample", done["job-1"].Channel)
	assert.NotContains(t, done, "rewritten")
	assert.False(t, f.mr.Exists("elsewhere.complete"))
}

func TestOnce_WrongChannelLeavesPendingAlone(t *testing.T) {
	f := setup(t, echo)
	ctx := context.Background()
	inFlight := &domain.Job{ID: "x", Channel: "sample", Body: "busy"}
	require.NoError(t, f.q.MarkPending(ctx, inFlight))
	require.NoError(t, f.q.Client().RPush(ctx, "sample.submitted", `{"id":"x","channel":"other"}`).Err())

	_, err := f.worker(t).Once(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, f.mr.HGet("sample.pending", "x"))
	errs, _ := f.q.Errors(ctx, "sample")
	assert.Len(t, errs, 1)
}

func TestOnce_ReplayedSerializedJobKeepsID(t *testing.T) {
	f := setup(t, echo)
	ctx := context.Background()
	raw, err := (&domain.Job{ID: "job-1", Channel: "sample", From: "+1", Body: "again"}).Encode()
	require.NoError(t, err)

	w := f.worker(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.q.Client().RPush(ctx, "sample.submitted", raw).Err())
		id, err := w.Once(ctx)
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)
	}

	// the second run overwrites the first under the same id
	done, err := f.q.Completed(ctx, "sample")
	require.NoError(t, err)
	assert.Len(t, done, 1)
	assert.Contains(t, done, "job-1")
	pending, _ := f.q.Pending(ctx, "sample")
	assert.Empty(t, pending)
	assert.Equal(t, 2.0, f.m.JobCount("sample", metrics.JobComplete))
}
