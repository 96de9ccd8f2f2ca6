package ledger

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisStore appends each trade as a JSON element of a Redis list.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr, password string, db int, pair string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), pair)
}

func NewRedisStoreWithClient(client *redis.Client, pair string) *RedisStore {
	return &RedisStore{client: client, key: "scalper:trades:" + pair}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Load(ctx context.Context) ([]Trade, error) {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, len(items))
	for i, item := range items {
		var t Trade
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			slog.Warn("skipping undecodable ledger entry", "key", s.key, "index", i, "error", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *RedisStore) Append(ctx context.Context, trade Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, data).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
