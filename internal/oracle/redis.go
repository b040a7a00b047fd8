package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"PerpSettle/internal/config"
	fpmath "PerpSettle/internal/math"
)

// setIfNewer writes a price hash only when the observation is not older than the
// stored one, so out-of-order feed deliveries cannot roll a price back.
var setIfNewer = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "observed_at")
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], "price", ARGV[1], "observed_at", ARGV[2])
return 1
`)

// RedisSource reads prices from Redis hashes price:<pair> {price, observed_at}
// maintained by the feed relay or by ApplyUpdate.
type RedisSource struct {
	rdb      *redis.Client
	verifier Verifier
}

func NewRedisSource(rdb *redis.Client, verifier Verifier) *RedisSource {
	if verifier == nil {
		verifier = TrustedVerifier{}
	}
	return &RedisSource{rdb: rdb, verifier: verifier}
}

func priceKey(pair config.PairID) string {
	return fmt.Sprintf("price:%s", pair)
}

func (s *RedisSource) Resolve(ctx context.Context, pair config.PairID) (Price, error) {
	vals, err := s.rdb.HMGet(ctx, priceKey(pair), "price", "observed_at").Result()
	if err != nil {
		return Price{}, fmt.Errorf("redis hmget %s: %w", pair, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Price{}, errors.New("price not found")
	}

	priceStr, ok1 := vals[0].(string)
	tsStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Price{}, errors.New("malformed price entry")
	}

	value, err := fpmath.NewFromString(priceStr)
	if err != nil {
		return Price{}, err
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("parse observed_at: %w", err)
	}

	return Price{Pair: pair, Value: value, ObservedAt: ts}, nil
}

// Store writes one price, ignoring it if a newer observation exists.
func (s *RedisSource) Store(ctx context.Context, p Price) error {
	return setIfNewer.Run(ctx, s.rdb, []string{priceKey(p.Pair)}, p.Value.String(), p.ObservedAt).Err()
}

func (s *RedisSource) ApplyUpdate(ctx context.Context, payload []byte) error {
	prices, err := s.StageUpdate(payload)
	if err != nil {
		return err
	}
	return s.Publish(ctx, prices)
}

func (s *RedisSource) StageUpdate(payload []byte) ([]Price, error) {
	u, err := DecodeUpdate(payload, s.verifier)
	if err != nil {
		return nil, err
	}
	return u.Prices, nil
}

func (s *RedisSource) Publish(ctx context.Context, prices []Price) error {
	for _, p := range prices {
		if err := s.Store(ctx, p); err != nil {
			return fmt.Errorf("store price %s: %w", p.Pair, err)
		}
	}
	return nil
}
