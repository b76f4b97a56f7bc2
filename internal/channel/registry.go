package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/SirClappington/enq/internal/domain"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrAlreadyBound   = errors.New("handler already bound")
	ErrNoHandler      = errors.New("no handler bound")
)

// Handler is the channel's business logic. It may enrich the job in place
// and reports failure through the returned error.
type Handler func(ctx context.Context, job *domain.Job) error

// Rule selects a validator by name and carries this channel's rejection text.
type Rule struct {
	Name    string `yaml:"name"`
	Message string `yaml:"message"`
}

type CallSettings struct {
	Timeout       time.Duration `yaml:"timeout"`
	BusyResponse  string        `yaml:"busy_response"`
	ErrorResponse string        `yaml:"error_response"`
}

type Carrier struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type Channel struct {
	Name           string            `yaml:"name"`
	Validators     []Rule            `yaml:"validators"`
	MaxLength      int               `yaml:"max_message_length"`
	AcceptResponse string            `yaml:"accept_response"`
	ErrorResponse  string            `yaml:"error_response"`
	SendOnAccept   bool              `yaml:"send_on_accept"`
	HandlerTimeout time.Duration     `yaml:"handler_timeout"`
	Call           *CallSettings     `yaml:"call"`
	Carrier        Carrier           `yaml:"carrier"`
	Properties     map[string]string `yaml:"properties"`
}

func (c *Channel) IsCall() bool { return c.Call != nil }

// Message returns the rejection text configured for a validator.
func (c *Channel) Message(validator string) (string, bool) {
	for _, r := range c.Validators {
		if r.Name == validator {
			return r.Message, r.Message != ""
		}
	}
	return "", false
}

func (c *Channel) validate() error {
	var err error
	if c.Name == "" {
		return errors.New("channel name is empty")
	}
	if c.MaxLength <= 0 {
		err = multierr.Append(err, fmt.Errorf("channel %s: max_message_length must be positive", c.Name))
	}
	seen := make(map[string]bool, len(c.Validators))
	for _, r := range c.Validators {
		switch {
		case r.Name == "":
			err = multierr.Append(err, fmt.Errorf("channel %s: validator with empty name", c.Name))
		case seen[r.Name]:
			err = multierr.Append(err, fmt.Errorf("channel %s: validator %s listed twice", c.Name, r.Name))
		case r.Message == "":
			err = multierr.Append(err, fmt.Errorf("channel %s: validator %s has no message", c.Name, r.Name))
		}
		seen[r.Name] = true
	}
	if c.Call != nil && c.Call.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("channel %s: call timeout must be positive", c.Name))
	}
	if c.HandlerTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("channel %s: handler_timeout is negative", c.Name))
	}
	return err
}

// Registry is the read-only channel table. Handlers are bound once during
// startup wiring, before workers or the gateway start.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	handlers map[string]Handler
}

func New(channels ...Channel) (*Registry, error) {
	reg := &Registry{
		channels: make(map[string]*Channel, len(channels)),
		handlers: make(map[string]Handler),
	}
	var err error
	for i := range channels {
		c := channels[i]
		if vErr := c.validate(); vErr != nil {
			err = multierr.Append(err, vErr)
			continue
		}
		if _, dup := reg.channels[c.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("channel %s defined twice", c.Name))
			continue
		}
		reg.channels[c.Name] = &c
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Bind attaches the handler for a channel. A channel can be bound once.
func (r *Registry) Bind(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("bind %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return fmt.Errorf("bind %s: %w", name, ErrUnknownChannel)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("bind %s: %w", name, ErrAlreadyBound)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Get(name string) (*Channel, error) {
	c, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return c, nil
}

func (r *Registry) Handler(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	return h, nil
}

// Channels returns the definitions ordered by name.
func (r *Registry) Channels() []*Channel {
	names := r.Names()
	out := make([]*Channel, 0, len(names))
	for _, n := range names {
		out = append(out, r.channels[n])
	}
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.channels))
	for n := range r.channels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Invoke runs the handler with an optional deadline. A panic is returned as
// an error. The deadline is advisory: a handler ignoring ctx still blocks.
func (h Handler) Invoke(ctx context.Context, job *domain.Job, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}
