package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(12,2) NOT NULL DEFAULT 0,
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		track_inventory BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS stock_reservations (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		holder_id TEXT NOT NULL,
		holder_type TEXT NOT NULL CHECK (holder_type IN ('cart','order')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status TEXT NOT NULL CHECK (status IN ('active','committed','released','expired')),
		reserved_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_product_active ON stock_reservations(product_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_holder ON stock_reservations(holder_type, holder_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_expires ON stock_reservations(expires_at) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS inventory_logs (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL REFERENCES products(id),
		change_type TEXT NOT NULL CHECK (change_type IN ('stock_in','stock_out','reserved','unreserved','sold')),
		quantity_change INTEGER NOT NULL,
		previous_stock INTEGER NOT NULL,
		new_stock INTEGER NOT NULL,
		reference_id TEXT,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_logs_product_seq ON inventory_logs(product_id, seq)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		total NUMERIC(12,2) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('cart','pending_payment','payment_processing','paid','processing','shipped','delivered','cancelled','refunded')),
		payment_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		price NUMERIC(12,2) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		external_intent_id TEXT NOT NULL UNIQUE,
		amount NUMERIC(12,2) NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','processing','succeeded','failed','canceled')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id)`,

	`CREATE TABLE IF NOT EXISTS payment_webhooks (
		id TEXT PRIMARY KEY,
		external_event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT false,
		payload BYTEA NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_webhooks_pending ON payment_webhooks(created_at) WHERE NOT processed`,

	`CREATE TABLE IF NOT EXISTS payment_anomalies (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return errors.Wrapf(err, "migration %d", i)
		}
	}
	return nil
}
