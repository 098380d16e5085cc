package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/stockflow/internal/orders"
)

// StatusCache keeps order_status:{id} warm for GET /order/{id}. Postgres stays
// the source of truth; the cache is refreshed after each committed transition.
type StatusCache struct{ R *redis.Client }

func (c *StatusCache) SetOrderStatus(ctx context.Context, orderID string, s orders.Status) error {
	return c.R.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), string(s), TTLStatusCache).Err()
}

func (c *StatusCache) OrderStatus(ctx context.Context, orderID string) (orders.Status, bool, error) {
	v, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return orders.Status(v), true, nil
}
