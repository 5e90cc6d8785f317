package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/revnet/internal/obs"
)

const keyPrefix = "revnet:node:"

// redisStore keeps state in memory and periodically publishes a snapshot to
// the hash revnet:node:<id>, which expires if the node stops refreshing it.
type redisStore struct {
	*MemoryStore
	client          *redis.Client
	key             string
	publishInterval time.Duration
	keyTTL          time.Duration
}

func newRedisStore(node, mode, addr, password string, db int) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		MemoryStore:     NewMemoryStore(node, mode),
		client:          rdb,
		key:             keyPrefix + node,
		publishInterval: 5 * time.Second,
		keyTTL:          30 * time.Second,
	}, nil
}

var _ Store = (*redisStore)(nil)

// SetLinkUp publishes immediately so link transitions are visible without
// waiting for the next tick.
func (r *redisStore) SetLinkUp(up bool) {
	r.MemoryStore.SetLinkUp(up)
	r.publish(context.Background())
}

func (r *redisStore) maintain(ctx context.Context) {
	ticker := time.NewTicker(r.publishInterval)
	defer ticker.Stop()
	r.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *redisStore) publish(ctx context.Context) {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key, redisFields(r.Stats()))
	pipe.Expire(ctx, r.key, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		obs.Error("redis.publish", obs.Fields{"err": err.Error(), "key": r.key})
	}
}

func (r *redisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		obs.Error("redis.remove_node", obs.Fields{"err": err.Error(), "key": r.key})
	}
	return r.client.Close()
}

func redisFields(s Stats) map[string]any {
	return map[string]any{
		"mode":           s.Mode,
		"link_up":        strconv.FormatBool(s.LinkUp),
		"signals":        s.Signals,
		"last_signal":    s.LastSignal,
		"heartbeats":     s.Heartbeats,
		"last_heartbeat": s.LastHeartbeat,
		"pairs":          s.Pairs,
		"pending":        s.Pending,
		"dial_failures":  s.DialFailures,
		"started":        s.Started,
		"updated":        s.Now,
	}
}
