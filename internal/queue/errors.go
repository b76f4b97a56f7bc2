package queue

import (
	"context"
	"errors"
	"io"
	"net"

	r "github.com/redis/go-redis/v9"
)

// IsUnavailable reports whether err means the store could not be reached,
// as opposed to a logic error in the request.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, r.ErrClosed) || errors.Is(err, r.ErrPoolTimeout) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
