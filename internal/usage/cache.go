package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// aggregateSet wraps a slice so it satisfies the Binary(Un)Marshaler
// interfaces Redis values need.
type aggregateSet struct {
	Aggregates []Aggregate `json:"aggregates"`
}

func (s *aggregateSet) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

func (s *aggregateSet) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// AggregateCache keeps recently computed usage summaries in Redis so the
// monitoring endpoint does not rescan the ledger on every poll.
type AggregateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAggregateCache(client *redis.Client, ttl time.Duration) *AggregateCache {
	return &AggregateCache{client: client, ttl: ttl}
}

func (c *AggregateCache) key(userID string, from, to time.Time) string {
	return fmt.Sprintf("usage:agg:%s:%d:%d", userID, from.Unix(), to.Unix())
}

func (c *AggregateCache) Get(ctx context.Context, userID string, from, to time.Time) ([]Aggregate, bool) {
	var set aggregateSet
	err := c.client.Get(ctx, c.key(userID, from, to)).Scan(&set)
	if err == nil {
		return set.Aggregates, true
	}
	if err != redis.Nil {
		log.Printf("usage: redis error: %v", err)
	}
	return nil, false
}

func (c *AggregateCache) Set(ctx context.Context, userID string, from, to time.Time, aggs []Aggregate) {
	set := &aggregateSet{Aggregates: aggs}
	_ = c.client.Set(ctx, c.key(userID, from, to), set, c.ttl).Err()
}
