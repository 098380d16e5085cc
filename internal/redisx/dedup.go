package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup is a fast-path "seen before?" hint. It is never authoritative: a
// hit only means the caller should confirm against the database.
type Dedup struct {
	R     *redis.Client
	Scope string
}

// MarkSeen returns true when id was already marked.
func (d *Dedup) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.R.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Scope, id), "1", TTLDedup).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget drops the hint, e.g. after the event failed to persist.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.R.Del(ctx, fmt.Sprintf(KeyDedup, d.Scope, id)).Err()
}
