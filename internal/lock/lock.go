package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/enq/internal/queue"
)

// ErrBusy is returned when the channel's in-progress marker is already held.
var ErrBusy = errors.New("channel busy")

// release deletes the marker only while it still holds our token, so a
// holder whose TTL lapsed cannot free a lock taken by someone else.
var release = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Token identifies one acquisition of a channel lock.
type Token struct {
	Channel string
	value   string
}

// CallLock serializes call-style events per channel with a TTL-bounded
// marker. The TTL is the only recovery path if a holder never releases.
type CallLock struct {
	rdb r.UniversalClient
}

func New(rdb r.UniversalClient) *CallLock { return &CallLock{rdb: rdb} }

func key(channel string) string { return queue.Key(channel, queue.InProgressKey) }

func (l *CallLock) Acquire(ctx context.Context, channel string, ttl time.Duration) (Token, error) {
	tok := Token{Channel: channel, value: uuid.NewString()}
	ok, err := l.rdb.SetNX(ctx, key(channel), tok.value, ttl).Result()
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, ErrBusy
	}
	return tok, nil
}

// Release frees the lock. It reports false when the marker had already
// expired or belonged to another holder.
func (l *CallLock) Release(ctx context.Context, tok Token) (bool, error) {
	n, err := release.Run(ctx, l.rdb, []string{key(tok.Channel)}, tok.value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *CallLock) Held(ctx context.Context, channel string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(channel)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
