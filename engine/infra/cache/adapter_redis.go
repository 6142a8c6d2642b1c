package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter implements the uniform key-value contract (get/set/delete/expire
// plus the atomic conditional primitives the distributed lock depends on) on
// top of a RedisInterface-compatible client.
type RedisAdapter struct {
	client RedisInterface
}

func NewRedisAdapter(client RedisInterface) (*RedisAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisAdapter{client: client}, nil
}

// classifyErr maps backend errors onto the canonical adapter errors.
// redis.Nil becomes ErrNotFound; context cancellation passes through
// untouched; everything else means the store could not serve the request.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// --------------------
// KV
// --------------------

func (a *RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.client.Get(ctx, key).Result()
	if err != nil {
		return "", classifyErr(err)
	}
	return v, nil
}

func (a *RedisAdapter) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := a.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return classifyErr(err)
	}
	return nil
}

// SetNX stores the value only if the key is absent, returning whether the
// write happened. This is the sole truth of lock acquisition success.
func (a *RedisAdapter) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	ok, err := a.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, classifyErr(err)
	}
	return ok, nil
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := a.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classifyErr(err)
	}
	return n, nil
}

func (a *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := a.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, classifyErr(err)
	}
	if !ok {
		return false, ErrNotFound
	}
	return true, nil
}

// --------------------
// Atomic conditional primitives
// --------------------

// Lua script that deletes the key only when its value still matches the
// caller's token. A plain get-then-delete would race with lease expiry and
// reassignment; the script makes the compare and delete one round trip.
const luaCompareAndDelete = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Lua script that extends the key's expiry only when its value still matches
// the caller's token.
const luaCompareAndExpire = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// CompareAndDelete removes key iff its stored value equals token.
// Returns true when the key was deleted, false when the token did not match
// (including the key no longer existing).
func (a *RedisAdapter) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := a.client.Eval(ctx, luaCompareAndDelete, []string{key}, token).Result()
	if err != nil {
		return false, classifyErr(err)
	}
	return scriptResultBool(res)
}

// CompareAndExpire extends key's TTL iff its stored value equals token.
func (a *RedisAdapter) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := a.client.Eval(ctx, luaCompareAndExpire, []string{key}, token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, classifyErr(err)
	}
	return scriptResultBool(res)
}

// scriptResultBool interprets an EVAL integer reply as a boolean outcome.
func scriptResultBool(res any) (bool, error) {
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case string:
		return v == "1", nil
	default:
		return false, fmt.Errorf("unexpected script return type %T", res)
	}
}
