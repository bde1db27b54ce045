package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "notebook-relay:claim"

// RedisStore shares claims between replicas that drive the same notebook
// account. Each claim is one key holding the execution id, expiring with
// the claim.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) TryClaim(ctx context.Context, scope Scope, execution string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(scope), execution, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", scope, err)
	}
	return ok, nil
}

func (s *RedisStore) Drop(ctx context.Context, scope Scope, execution string) error {
	if err := dropIfHolder.Run(ctx, s.client, []string{s.key(scope)}, execution).Err(); err != nil {
		return fmt.Errorf("drop claim %s: %w", scope, err)
	}
	return nil
}

func (s *RedisStore) key(scope Scope) string {
	return s.prefix + ":" + string(scope)
}

// A claim that lapsed and was taken by another execution must survive the
// late drop of its previous holder.
var dropIfHolder = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
