// Package idempotency implements the Redis-backed guard that makes share
// ingestion safe to retry. Each (user, token) pair resolves to exactly one
// stored response for the lifetime of the record.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recollect/recollect/pkg/logger"
)

const (
	// DefaultRecordTTL bounds how long a completed response stays replayable.
	DefaultRecordTTL = 24 * time.Hour

	// DefaultProcessingTimeout is how long a reservation may sit unfinished
	// before another caller is allowed to take it over.
	DefaultProcessingTimeout = 30 * time.Second
)

// ErrConflict is returned when another request holds a live reservation for
// the same token. Callers should surface it as retryable.
var ErrConflict = errors.New("request with this idempotency token is already in flight")

// ErrInvalidToken is returned when the client-supplied token is not a UUID.
var ErrInvalidToken = errors.New("idempotency token must be a valid UUID")

// reserveScript atomically resolves a token to one of three outcomes:
// a fresh (or taken-over) reservation, a stored response, or a live
// reservation held by someone else.
//
// KEYS[1] record key
// ARGV[1] record ttl (ms)
// ARGV[2] processing timeout (ms)
// ARGV[3] now (unix ms)
//
// Returns {1, ''} when the caller holds the reservation, {0, response} when a
// completed response exists, and {0, ''} when the token is held elsewhere.
var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == false then
	redis.call('HSET', KEYS[1], 'state', 'processing', 'since', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {1, ''}
end
if state == 'done' then
	return {0, redis.call('HGET', KEYS[1], 'response')}
end
local since = tonumber(redis.call('HGET', KEYS[1], 'since'))
if since == nil or (tonumber(ARGV[3]) - since) >= tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], 'since', ARGV[3])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {1, ''}
end
return {0, ''}
`)

// completeScript stores the response under the existing reservation. The
// remaining TTL is preserved so retries and first attempts expire together;
// if the reservation already expired the record gets a fresh full TTL.
//
// KEYS[1] record key
// ARGV[1] response bytes
// ARGV[2] record ttl (ms)
var completeScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'done', 'response', ARGV[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 'OK'
`)

// releaseScript drops a reservation that never completed, so the next retry
// does not have to wait out the processing timeout. Completed records are
// left alone.
//
// KEYS[1] record key
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'processing' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Outcome is the result of ReserveOrGet.
type Outcome struct {
	// Reserved is true when the caller owns the reservation and must run the
	// operation, then call Complete (or Release on failure).
	Reserved bool

	// Response holds the previously stored response when Reserved is false.
	Response []byte
}

// Guard coordinates idempotent execution through Redis.
type Guard struct {
	rdb               redis.Scripter
	env               string
	recordTTL         time.Duration
	processingTimeout time.Duration
	logger            logger.Logger
	now               func() time.Time
}

type GuardOption func(*Guard)

func WithEnvironment(env string) GuardOption {
	return func(g *Guard) {
		g.env = env
	}
}

func WithRecordTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		g.recordTTL = ttl
	}
}

func WithProcessingTimeout(timeout time.Duration) GuardOption {
	return func(g *Guard) {
		g.processingTimeout = timeout
	}
}

func WithLogger(l logger.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithClock overrides the clock, letting tests control reservation age.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard creates a Guard on top of any script-capable Redis client.
func NewGuard(rdb redis.Scripter, opts ...GuardOption) *Guard {
	g := &Guard{
		rdb:               rdb,
		env:               "production",
		recordTTL:         DefaultRecordTTL,
		processingTimeout: DefaultProcessingTimeout,
		logger:            logger.NewNoopLogger(),
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// ReserveOrGet resolves the token: either the caller wins the reservation, a
// stored response is replayed, or ErrConflict reports a live reservation held
// by a concurrent request.
func (g *Guard) ReserveOrGet(ctx context.Context, userID, token string) (Outcome, error) {
	key, err := g.key(userID, token)
	if err != nil {
		return Outcome{}, err
	}

	raw, err := reserveScript.Run(ctx, g.rdb, []string{key},
		g.recordTTL.Milliseconds(),
		g.processingTimeout.Milliseconds(),
		g.now().UnixMilli(),
	).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency token: %w", err)
	}

	reserved, response, err := parseReserveReply(raw)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case reserved:
		return Outcome{Reserved: true}, nil
	case len(response) > 0:
		g.logger.DebugWithContext(ctx, "replaying stored idempotent response",
			zap.String("key", key))
		return Outcome{Response: response}, nil
	default:
		return Outcome{}, ErrConflict
	}
}

// Complete stores the response for replay by later retries. It must only be
// called by the holder of the reservation.
func (g *Guard) Complete(ctx context.Context, userID, token string, response []byte) error {
	key, err := g.key(userID, token)
	if err != nil {
		return err
	}

	if err := completeScript.Run(ctx, g.rdb, []string{key},
		response, g.recordTTL.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// Release abandons an unfinished reservation after the guarded operation
// failed, allowing an immediate retry.
func (g *Guard) Release(ctx context.Context, userID, token string) error {
	key, err := g.key(userID, token)
	if err != nil {
		return err
	}

	if err := releaseScript.Run(ctx, g.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("release idempotency reservation: %w", err)
	}
	return nil
}

func (g *Guard) key(userID, token string) (string, error) {
	if _, err := uuid.Parse(token); err != nil {
		return "", ErrInvalidToken
	}
	return fmt.Sprintf("%s:idempotency:%s:%s", g.env, userID, token), nil
}

func parseReserveReply(raw interface{}) (bool, []byte, error) {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return false, nil, fmt.Errorf("unexpected reserve script reply: %#v", raw)
	}

	flag, ok := reply[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("unexpected reserve script flag: %#v", reply[0])
	}

	var response []byte
	if s, ok := reply[1].(string); ok && s != "" {
		response = []byte(s)
	}

	return flag == 1, response, nil
}
