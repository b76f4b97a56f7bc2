package validate

import (
	"errors"
	"fmt"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/domain"
)

var (
	ErrUnknownValidator = errors.New("unknown validator")
	ErrMissingMessage   = errors.New("validator has no rejection message")
)

// Table maps validator names to predicates. It is filled at startup and
// read-only afterwards.
type Table struct {
	funcs map[string]Func
}

func NewTable() *Table { return &Table{funcs: make(map[string]Func)} }

// Defaults returns a table with the built-in validators registered.
func Defaults(blocklist []string) *Table {
	if len(blocklist) == 0 {
		blocklist = DefaultBlocklist
	}
	t := NewTable()
	_ = t.Register(Length, LengthCheck)
	_ = t.Register(Parseable, ParseableCheck)
	_ = t.Register(Profanity, ProfanityCheck(blocklist))
	return t
}

func (t *Table) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return errors.New("validator needs a name and a func")
	}
	if _, ok := t.funcs[name]; ok {
		return fmt.Errorf("validator %s already registered", name)
	}
	t.funcs[name] = fn
	return nil
}

func (t *Table) Lookup(name string) (Func, bool) {
	fn, ok := t.funcs[name]
	return fn, ok
}

// Verdict is the outcome of running a channel's chain.
type Verdict struct {
	Rejected  bool
	Validator string
	Message   string
}

type Chain struct {
	table *Table
}

func NewChain(t *Table) *Chain { return &Chain{table: t} }

// Check runs the channel's validators in declared order and stops at the
// first one that reports the job invalid. Unknown validators and missing
// messages fail closed with an error.
func (c *Chain) Check(ch *channel.Channel, job *domain.Job) (Verdict, error) {
	for _, rule := range ch.Validators {
		fn, ok := c.table.Lookup(rule.Name)
		if !ok {
			return Verdict{}, fmt.Errorf("channel %s: %w: %s", ch.Name, ErrUnknownValidator, rule.Name)
		}
		if rule.Message == "" {
			return Verdict{}, fmt.Errorf("channel %s: %w: %s", ch.Name, ErrMissingMessage, rule.Name)
		}
		if fn(ch, job) {
			return Verdict{Rejected: true, Validator: rule.Name, Message: rule.Message}, nil
		}
	}
	return Verdict{}, nil
}

// Verify reports configuration problems for a channel without running it.
func (c *Chain) Verify(ch *channel.Channel) error {
	for _, rule := range ch.Validators {
		if _, ok := c.table.Lookup(rule.Name); !ok {
			return fmt.Errorf("channel %s: %w: %s", ch.Name, ErrUnknownValidator, rule.Name)
		}
	}
	return nil
}
