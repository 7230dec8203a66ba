// Package visits counts referral link visits per agent. Counts are advisory: they never feed
// attribution or commission amounts.
package visits

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Stats struct {
	AgentID string `json:"agentId"`
	Total   int64  `json:"total"`
	Unique  int64  `json:"unique"`
}

type Counter interface {
	RecordVisit(ctx context.Context, agentID, fingerprint string) error
	Stats(ctx context.Context, agentID string) (Stats, error)
}

// Fingerprint hashes the visitor's address and user agent so raw values are never stored.
func Fingerprint(remoteIP, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(remoteIP) + "|" + strings.TrimSpace(userAgent)))
	return hex.EncodeToString(sum[:])
}

// Connect initializes a Redis client from a redis:// URL or a host:port address.
func Connect(addr, password string, db int) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), nil
}

type RedisCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCounter keeps a visit counter and a HyperLogLog of visitor fingerprints per agent.
// A zero ttl keeps the keys forever.
func NewRedisCounter(client *redis.Client, ttl time.Duration) *RedisCounter {
	return &RedisCounter{client: client, prefix: "referral", ttl: ttl}
}

func (c *RedisCounter) totalKey(agentID string) string {
	return c.prefix + ":visits:" + agentID
}

func (c *RedisCounter) uniqueKey(agentID string) string {
	return c.prefix + ":visitors:" + agentID
}

func (c *RedisCounter) RecordVisit(ctx context.Context, agentID, fingerprint string) error {
	if agentID == "" {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, c.totalKey(agentID))
		if fingerprint != "" {
			p.PFAdd(ctx, c.uniqueKey(agentID), fingerprint)
		}
		if c.ttl > 0 {
			p.Expire(ctx, c.totalKey(agentID), c.ttl)
			p.Expire(ctx, c.uniqueKey(agentID), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

func (c *RedisCounter) Stats(ctx context.Context, agentID string) (Stats, error) {
	var (
		total  *redis.StringCmd
		unique *redis.IntCmd
	)
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.Get(ctx, c.totalKey(agentID))
		unique = p.PFCount(ctx, c.uniqueKey(agentID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("visit stats: %w", err)
	}
	st := Stats{AgentID: agentID}
	if n, err := total.Int64(); err == nil {
		st.Total = n
	} else if !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("visit stats: %w", err)
	}
	st.Unique = unique.Val()
	return st, nil
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Noop discards visits. It is used when no Redis address is configured.
type Noop struct{}

func (Noop) RecordVisit(ctx context.Context, agentID, fingerprint string) error { return nil }

func (Noop) Stats(ctx context.Context, agentID string) (Stats, error) {
	return Stats{AgentID: agentID}, nil
}

var (
	_ Counter = (*RedisCounter)(nil)
	_ Counter = Noop{}
)
