// Package redis provides the fast-path webhook dedup tier. It is a cache in
// front of the durable Postgres ledger, never the source of truth.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/meridianshop/checkout/internal/domain/payment"
)

var _ payment.Deduper = (*Deduper)(nil)

const dedupKeyPrefix = "webhook:processed:"

// Deduper stores processed webhook event identifiers with a TTL. Entries
// expiring early is harmless: the durable tier still answers, this tier only
// saves it the round trip for recent repeats.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a Deduper keeping identifiers for the given TTL.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl}
}

// IsProcessed reports whether the identifier is cached.
func (d *Deduper) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKeyPrefix+eventID).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

// MarkProcessed caches the identifier.
func (d *Deduper) MarkProcessed(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, dedupKeyPrefix+eventID, 1, d.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}
