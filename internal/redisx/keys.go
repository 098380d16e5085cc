package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> status
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{scope}:{id}
	KeyDedup = "dedup:%s:%s"

	// Single-flight lock antar instance: lock:{name}
	KeyLock = "lock:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
