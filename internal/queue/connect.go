package queue

import (
	"context"
	"fmt"
	"strings"

	r "github.com/redis/go-redis/v9"
)

// Connect accepts either a redis:// URL or host:port.
func Connect(ctx context.Context, addr, password string, db int) (*r.Client, error) {
	var opt *r.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := r.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opt = parsed
	} else {
		opt = &r.Options{Addr: addr, Password: password, DB: db}
	}
	opt.ContextTimeoutEnabled = true

	rdb := r.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
