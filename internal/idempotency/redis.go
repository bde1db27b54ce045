package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "notebook-relay:idempotency"

// RedisLedger shares keyed calls between replicas behind one load balancer.
// A call is two keys: done:<id> holds the JSON response and running:<id>
// holds "<holder>|<fingerprint>" while the call executes.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLedger(client redis.Cmdable, prefix string) *RedisLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) Begin(ctx context.Context, call Call, holder string, pendingTTL time.Duration) (State, Response, error) {
	id, err := call.id()
	if err != nil {
		return 0, Response{}, err
	}
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}

	reply, err := beginCall.Run(ctx, l.client, l.keys(id), runningValue(holder, call), pendingTTL.Milliseconds()).StringSlice()
	if err != nil {
		return 0, Response{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if len(reply) != 2 {
		return 0, Response{}, fmt.Errorf("idempotency begin: unexpected reply %q", reply)
	}

	switch reply[0] {
	case "done":
		resp, err := decodeResponse(call, reply[1])
		if err != nil {
			return 0, Response{}, err
		}
		return Replay, resp, nil
	case "run":
		return Run, Response{}, nil
	default:
		_, fingerprint, _ := strings.Cut(reply[1], "|")
		if err := checkFingerprint(call, fingerprint); err != nil {
			return 0, Response{}, err
		}
		return Pending, Response{}, nil
	}
}

func (l *RedisLedger) Lookup(ctx context.Context, call Call) (Response, bool, error) {
	id, err := call.id()
	if err != nil {
		return Response{}, false, err
	}
	raw, err := l.client.Get(ctx, l.keys(id)[0]).Result()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	resp, err := decodeResponse(call, raw)
	if err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

func (l *RedisLedger) Finish(ctx context.Context, call Call, holder string, resp *Response, ttl time.Duration) error {
	id, err := call.id()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	encoded := ""
	if resp != nil {
		stored := *resp
		stored.Fingerprint = call.Fingerprint()
		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode idempotent response: %w", err)
		}
		encoded = string(raw)
	}
	if err := finishCall.Run(ctx, l.client, l.keys(id), runningValue(holder, call), encoded, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("idempotency finish: %w", err)
	}
	return nil
}

func (l *RedisLedger) keys(id string) []string {
	return []string{l.prefix + ":done:" + id, l.prefix + ":running:" + id}
}

func runningValue(holder string, call Call) string {
	return holder + "|" + call.Fingerprint()
}

func decodeResponse(call Call, raw string) (Response, error) {
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Response{}, fmt.Errorf("decode idempotent response: %w", err)
	}
	if err := checkFingerprint(call, resp.Fingerprint); err != nil {
		return Response{}, err
	}
	return resp, nil
}

var beginCall = redis.NewScript(`
local done = redis.call("GET", KEYS[1])
if done then
  return {"done", done}
end
if redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
  return {"run", ""}
end
return {"pending", redis.call("GET", KEYS[2]) or ""}
`)

// The response is stored even when the claim lapsed meanwhile; only the
// holder's own claim is removed.
var finishCall = redis.NewScript(`
if ARGV[2] ~= "" then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
return 1
`)
