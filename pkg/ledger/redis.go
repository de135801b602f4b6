package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/pacs-relay/pkg/common/logger"
)

const redisOpTimeout = 5 * time.Second

// RedisLedger stores the committed set as a Redis set, for deployments where
// several relay replicas share one dedup state.
type RedisLedger struct {
	client *redis.Client
	key    string
}

func NewRedisLedger(client *redis.Client, key string) *RedisLedger {
	if key == "" {
		key = "pacs-relay:relayed-studies"
	}
	return &RedisLedger{client: client, key: key}
}

// Contains treats a Redis error as "not relayed": the study will be
// re-attempted, which the destination absorbs as an overwrite. That is the
// safe direction for a dedup set.
func (l *RedisLedger) Contains(uid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	ok, err := l.client.SIsMember(ctx, l.key, uid).Result()
	if err != nil {
		logger.Log.WithError(err).WithField("uid", uid).Warn("ledger membership check failed")
		return false
	}
	return ok
}

func (l *RedisLedger) Commit(uid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	return l.client.SAdd(ctx, l.key, uid).Err()
}

func (l *RedisLedger) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := l.client.SCard(ctx, l.key).Result()
	if err != nil {
		logger.Log.WithError(err).Warn("ledger size query failed")
		return 0
	}
	return int(n)
}
