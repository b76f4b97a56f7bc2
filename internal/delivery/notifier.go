package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/metrics"
)

// Notifier dispatches sends in the background. The outcome is logged and
// never retried; callers do not wait on the carrier.
type Notifier struct {
	sender  Sender
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewNotifier(s Sender, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Notifier{sender: s, timeout: timeout, log: log, metrics: m}
}

func (n *Notifier) Notify(ch *channel.Channel, to, body string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		err := n.sender.Send(ctx, ch, to, body)
		n.metrics.Delivery(ch.Name, err == nil)
		if err != nil {
			n.log.Warn("reply not delivered", zap.String("channel", ch.Name), zap.String("to", to), zap.Error(err))
			return
		}
		n.log.Debug("reply delivered", zap.String("channel", ch.Name), zap.String("to", to))
	}()
}

// Wait blocks until in-flight sends finish. Used at shutdown and in tests.
func (n *Notifier) Wait() { n.wg.Wait() }
