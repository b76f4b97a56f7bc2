package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/SirClappington/enq/internal/channel"
)

// Sender delivers reply text to an address on behalf of a channel.
type Sender interface {
	Send(ctx context.Context, ch *channel.Channel, to, body string) error
}

const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

var ErrNoCredentials = errors.New("channel has no carrier credentials")

// Twilio sends SMS through the carrier's REST API. Each account gets its
// own circuit breaker so one failing account does not trip the others.
type Twilio struct {
	baseURL  string
	http     *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
}

type Option func(*Twilio)

func WithBaseURL(u string) Option { return func(t *Twilio) { t.baseURL = strings.TrimRight(u, "/") } }

func WithHTTPClient(c *http.Client) Option { return func(t *Twilio) { t.http = c } }

func WithBreaker(s gobreaker.Settings) Option { return func(t *Twilio) { t.settings = s } }

func NewTwilio(channels []*channel.Channel, opts ...Option) *Twilio {
	t := &Twilio{
		baseURL:  DefaultBaseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
			},
		},
	}
	for _, o := range opts {
		o(t)
	}
	// breakers are created up front so Send never mutates the map
	for _, ch := range channels {
		sid := ch.Carrier.AccountSID
		if sid == "" {
			continue
		}
		if _, ok := t.breakers[sid]; ok {
			continue
		}
		s := t.settings
		s.Name = "twilio:" + sid
		t.breakers[sid] = gobreaker.NewCircuitBreaker(s)
	}
	return t
}

func (t *Twilio) Send(ctx context.Context, ch *channel.Channel, to, body string) error {
	cr := ch.Carrier
	if cr.AccountSID == "" || cr.AuthToken == "" || cr.FromNumber == "" {
		return fmt.Errorf("%s: %w", ch.Name, ErrNoCredentials)
	}
	cb, ok := t.breakers[cr.AccountSID]
	if !ok {
		return fmt.Errorf("%s: carrier account not registered", ch.Name)
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, t.post(ctx, cr, to, body)
	})
	return err
}

func (t *Twilio) post(ctx context.Context, cr channel.Carrier, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", cr.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(cr.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(cr.AccountSID, cr.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("carrier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
