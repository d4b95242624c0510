package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ledgerbucket/internal/errs"
)

// KeyPrefix namespaces idempotency records in Redis.
const KeyPrefix = "ledgerbucket:idem:"

type redisRecord struct {
	State   string  `json:"state"`
	Owner   string  `json:"owner,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// settleScript replaces or deletes the in-flight record at KEYS[1] only if
// ARGV[1] still owns it. An empty ARGV[2] deletes; otherwise ARGV[2] is
// stored with a TTL of ARGV[3] milliseconds. It returns 1 on success.
var settleScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.state ~= 'in_flight' or rec.owner ~= ARGV[1] then
	return 0
end
if ARGV[2] == '' then
	redis.call('DEL', KEYS[1])
else
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// RedisTracker keeps claims in Redis so that several gateway instances share
// them. Ownership is taken with SET NX and settled by a script that checks
// the owner token.
type RedisTracker struct {
	client *redis.Client
	opts   options
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(client *redis.Client, opts ...Option) *RedisTracker {
	return &RedisTracker{client: client, opts: newOptions(opts)}
}

// Ping verifies the Redis server is reachable.
func (r *RedisTracker) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "idempotency.Ping", "redis unreachable", err)
	}
	return nil
}

func (r *RedisTracker) Begin(ctx context.Context, key string) (Claim, error) {
	const op = "idempotency.Begin"

	token := newToken()
	inFlight, err := json.Marshal(redisRecord{State: StateInFlight.String(), Owner: token})
	if err != nil {
		return Claim{}, err
	}

	// The existing record can expire between SETNX and GET; one more round
	// settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, KeyPrefix+key, inFlight, r.opts.lease).Result()
		if err != nil {
			return Claim{}, errs.Wrap(errs.KindStoreUnavailable, op, "redis SETNX failed", err)
		}
		if ok {
			return Claim{State: StateNew, Token: token}, nil
		}

		data, err := r.client.Get(ctx, KeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Claim{}, errs.Wrap(errs.KindStoreUnavailable, op, "redis GET failed", err)
		}

		return decodeRecord(data)
	}

	return Claim{}, errs.New(errs.KindConflict, op, "idempotency key is contended")
}

func (r *RedisTracker) Complete(ctx context.Context, key, token string, out Outcome) error {
	return r.settle(ctx, "idempotency.Complete", key, token, &redisRecord{State: StateDone.String(), Outcome: out})
}

func (r *RedisTracker) MarkAmbiguous(ctx context.Context, key, token string) error {
	return r.settle(ctx, "idempotency.MarkAmbiguous", key, token, &redisRecord{State: StateAmbiguous.String()})
}

func (r *RedisTracker) Abort(ctx context.Context, key, token string) error {
	return r.settle(ctx, "idempotency.Abort", key, token, nil)
}

// settle replaces the owned in-flight record with rec, or deletes it when
// rec is nil.
func (r *RedisTracker) settle(ctx context.Context, op, key, token string, rec *redisRecord) error {
	var data []byte
	if rec != nil {
		var err error
		if data, err = json.Marshal(rec); err != nil {
			return err
		}
	}

	n, err := settleScript.Run(ctx, r.client, []string{KeyPrefix + key}, token, string(data), r.opts.ttl.Milliseconds()).Int()
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, op, "redis settle script failed", err)
	}
	if n == 0 {
		return errClaimLost(op, key)
	}
	return nil
}

func decodeRecord(data []byte) (Claim, error) {
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Claim{}, fmt.Errorf("decode idempotency record: %w", err)
	}

	switch rec.State {
	case StateInFlight.String():
		return Claim{State: StateInFlight}, nil
	case StateDone.String():
		return Claim{State: StateDone, Outcome: rec.Outcome}, nil
	case StateAmbiguous.String():
		return Claim{State: StateAmbiguous}, nil
	}
	return Claim{}, fmt.Errorf("unknown idempotency state %q", rec.State)
}
