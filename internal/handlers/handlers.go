package handlers

import (
	"context"
	"fmt"

	"github.com/SirClappington/enq/internal/channel"
	"github.com/SirClappington/enq/internal/delivery"
	"github.com/SirClappington/enq/internal/domain"
)

// Echo replies to the sender with their own message and records it as
// final_data. A failed send fails the job.
func Echo(reg *channel.Registry, s delivery.Sender) channel.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		ch, err := reg.Get(job.Channel)
		if err != nil {
			return err
		}
		if job.From == "" {
			return fmt.Errorf("job %s: missing from", job.ID)
		}
		job.Reply = job.Body
		job.Set("final_data", job.Body)
		if err := s.Send(ctx, ch, job.From, job.Reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		return nil
	}
}

// Noop accepts every job unchanged.
func Noop(context.Context, *domain.Job) error { return nil }

// Catalog returns the built-in handlers by the name used in channel files.
func Catalog(reg *channel.Registry, s delivery.Sender) map[string]channel.Handler {
	return map[string]channel.Handler{
		"echo": Echo(reg, s),
		"noop": Noop,
	}
}

// Bind attaches catalog handlers to channels by name. An unknown handler
// name is an error; channels absent from names stay unbound.
func Bind(reg *channel.Registry, names map[string]string, s delivery.Sender) error {
	catalog := Catalog(reg, s)
	for ch, name := range names {
		h, ok := catalog[name]
		if !ok {
			return fmt.Errorf("channel %s: unknown handler %q", ch, name)
		}
		if err := reg.Bind(ch, h); err != nil {
			return err
		}
	}
	return nil
}
