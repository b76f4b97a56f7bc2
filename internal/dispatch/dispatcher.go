package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/validate"
)

var ErrNotCallChannel = errors.New("channel does not accept calls")

type Outcome string

const (
	Accepted Outcome = metrics.Accepted
	Rejected Outcome = metrics.Rejected
	Busy     Outcome = metrics.Busy
	Failed   Outcome = metrics.Failed
)

// Reply is what the gateway renders back to the carrier.
type Reply struct {
	Text      string
	Outcome   Outcome
	JobID     string
	Validator string
}

// Notifier sends text without blocking the caller.
type Notifier interface {
	Notify(ch *channel.Channel, to, body string)
}

type Dispatcher struct {
	reg      *channel.Registry
	chain    *validate.Chain
	q        *queue.RedisQ
	lock     *lock.CallLock
	notifier Notifier
	log      *zap.Logger
	metrics  *metrics.Metrics
	newID    func() string
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func New(reg *channel.Registry, chain *validate.Chain, q *queue.RedisQ, lk *lock.CallLock, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:   reg,
		chain: chain,
		q:     q,
		lock:  lk,
		log:   zap.NewNop(),
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop()
	}
	return d
}

// Receive runs an inbound event through its channel. Only an unknown
// channel is returned as an error; everything else resolves to a reply.
func (d *Dispatcher) Receive(ctx context.Context, ev domain.Event) (Reply, error) {
	if ev.IsCall() {
		return d.Call(ctx, ev)
	}
	ch, err := d.reg.Get(ev.Channel)
	if err != nil {
		return Reply{}, err
	}
	log := d.log.With(zap.String("channel", ch.Name), zap.String("sid", ev.SID))
	job := domain.NewJob(ev)

	v, err := d.chain.Check(ch, job)
	if err != nil {
		log.Error("validator chain misconfigured", zap.Error(err))
		d.logError(ctx, ch.Name, job, err)
		return d.reply(ch.Name, Reply{Text: ch.ErrorResponse, Outcome: Failed}), nil
	}
	if v.Rejected {
		log.Debug("event rejected", zap.String("validator", v.Validator))
		return d.reply(ch.Name, Reply{Text: v.Message, Outcome: Rejected, Validator: v.Validator}), nil
	}

	id, err := d.Submit(ctx, ch.Name, job)
	if err != nil {
		if queue.IsUnavailable(err) {
			log.Error("queue store unavailable", zap.Error(err))
		} else {
			log.Error("submit failed", zap.Error(err))
			d.logError(ctx, ch.Name, job, err)
		}
		return d.reply(ch.Name, Reply{Text: ch.ErrorResponse, Outcome: Failed}), nil
	}
	return d.reply(ch.Name, Reply{Text: ch.AcceptResponse, Outcome: Accepted, JobID: id}), nil
}

// Submit queues an already validated job and returns its id. A job that
// already carries an id keeps it. The acceptance notice, when configured,
// is sent in the background and cannot fail the submission.
func (d *Dispatcher) Submit(ctx context.Context, name string, job *domain.Job) (string, error) {
	ch, err := d.reg.Get(name)
	if err != nil {
		return "", err
	}
	job.Channel = ch.Name
	if job.ID == "" {
		job.ID = d.newID()
	}
	job.Status = domain.Submitted
	job.SubmittedAt = d.now().UTC()

	if err := d.q.Push(ctx, job); err != nil {
		return "", fmt.Errorf("push %s: %w", job.ID, err)
	}
	if ch.SendOnAccept && d.notifier != nil && job.From != "" {
		d.notifier.Notify(ch, job.From, ch.AcceptResponse)
	}
	return job.ID, nil
}

// Call handles a call-style event synchronously under the channel lock.
// While the lock is held any other call on the channel gets the busy reply
// and is neither validated nor recorded.
func (d *Dispatcher) Call(ctx context.Context, ev domain.Event) (Reply, error) {
	ch, err := d.reg.Get(ev.Channel)
	if err != nil {
		return Reply{}, err
	}
	if !ch.IsCall() {
		return Reply{}, fmt.Errorf("%s: %w", ch.Name, ErrNotCallChannel)
	}
	log := d.log.With(zap.String("channel", ch.Name), zap.String("call_sid", ev.CallSID))
	failed := Reply{Text: ch.Call.ErrorResponse, Outcome: Failed}
	if failed.Text == "" {
		failed.Text = ch.ErrorResponse
	}

	tok, err := d.lock.Acquire(ctx, ch.Name, ch.Call.Timeout)
	if errors.Is(err, lock.ErrBusy) {
		log.Debug("call rejected, channel busy")
		return d.reply(ch.Name, Reply{Text: ch.Call.BusyResponse, Outcome: Busy}), nil
	}
	if err != nil {
		log.Error("call lock unavailable", zap.Error(err))
		return d.reply(ch.Name, failed), nil
	}
	defer func() {
		released, err := d.lock.Release(context.WithoutCancel(ctx), tok)
		switch {
		case err != nil:
			log.Warn("call lock release failed, waiting for ttl", zap.Error(err))
		case !released:
			log.Warn("call lock expired before the call finished")
		}
	}()

	job := domain.NewJob(ev)
	job.ID = d.newID()
	now := d.now().UTC()
	job.SubmittedAt = now
	job.DequeuedAt = &now
	raw, err := job.Encode()
	if err != nil {
		d.logError(ctx, ch.Name, job, err)
		return d.reply(ch.Name, failed), nil
	}

	h, err := d.reg.Handler(ch.Name)
	if err != nil {
		log.Error("no call handler", zap.Error(err))
		d.logError(ctx, ch.Name, job, err)
		return d.reply(ch.Name, failed), nil
	}
	if err := d.q.MarkPending(ctx, job); err != nil {
		log.Error("mark pending failed", zap.Error(err))
		return d.reply(ch.Name, failed), nil
	}

	// the handler may touch any field; identity is fixed here
	id := job.ID
	start := time.Now()
	herr := h.Invoke(ctx, job, ch.Call.Timeout)
	took := time.Since(start)
	if herr != nil {
		log.Error("call handler failed", zap.Error(herr))
		d.failCall(ctx, ch.Name, id, raw, herr, took)
		return d.reply(ch.Name, failed), nil
	}
	err = d.q.Complete(context.WithoutCancel(ctx), ch.Name, id, job)
	switch {
	case errors.Is(err, queue.ErrUnencodable):
		log.Error("call result cannot be stored", zap.Error(err))
		d.failCall(ctx, ch.Name, id, raw, err, took)
		return d.reply(ch.Name, failed), nil
	case err != nil:
		log.Error("complete failed", zap.Error(err))
		return d.reply(ch.Name, failed), nil
	}
	d.metrics.Job(ch.Name, metrics.JobComplete, took)

	text := job.Reply
	if text == "" {
		text = ch.AcceptResponse
	}
	return d.reply(ch.Name, Reply{Text: text, Outcome: Accepted, JobID: id}), nil
}

// failCall clears the call's pending entry and logs it with its original form.
func (d *Dispatcher) failCall(ctx context.Context, channel, id, raw string, cause error, took time.Duration) {
	d.metrics.Job(channel, metrics.JobFailed, took)
	if err := d.q.Fail(context.WithoutCancel(ctx), channel, id, raw, cause); err != nil {
		d.log.Warn("error log write failed", zap.String("channel", channel), zap.String("job_id", id), zap.Error(err))
	}
}

func (d *Dispatcher) reply(channel string, r Reply) Reply {
	d.metrics.Event(channel, string(r.Outcome))
	return r
}

// logError writes to the channel's error log; its own failure is swallowed.
func (d *Dispatcher) logError(ctx context.Context, channel string, job *domain.Job, cause error) {
	raw, _ := job.Encode()
	if err := d.q.LogError(context.WithoutCancel(ctx), channel, raw, cause); err != nil {
		d.log.Debug("error log write failed", zap.String("channel", channel), zap.Error(err))
	}
}
