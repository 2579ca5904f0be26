package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the balance store.
var Migrations = migrate.NewGroup("balance")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_balance_accounts",
			Version: "20250601000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS balance_accounts (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    balance     NUMERIC(17,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_accounts_user ON balance_accounts (user_id) WHERE user_id != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS balance_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_balance_orders",
			Version: "20250601000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS balance_orders (
    id                      TEXT PRIMARY KEY,
    account_id              TEXT NOT NULL REFERENCES balance_accounts (id),
    type                    TEXT NOT NULL,
    reference               TEXT NOT NULL,
    state                   TEXT NOT NULL DEFAULT 'pending',
    price                   NUMERIC(17,2) NOT NULL DEFAULT 0 CHECK (price >= 0),
    metadata                JSONB NOT NULL DEFAULT '{}',
    last_callback_reference TEXT NOT NULL DEFAULT '',
    settled_at              TIMESTAMPTZ,
    expires_at              TIMESTAMPTZ,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_orders_reference ON balance_orders (reference);
CREATE INDEX IF NOT EXISTS idx_balance_orders_account ON balance_orders (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_balance_orders_expiry ON balance_orders (expires_at)
    WHERE state IN ('pending', 'processing') AND expires_at IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS balance_orders`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_balance_entries",
			Version: "20250601000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS balance_entries (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES balance_accounts (id),
    order_id       TEXT NOT NULL DEFAULT '',
    seq            BIGINT NOT NULL,
    kind           TEXT NOT NULL,
    amount         NUMERIC(17,2) NOT NULL,
    balance_before NUMERIC(17,2) NOT NULL,
    balance_after  NUMERIC(17,2) NOT NULL CHECK (balance_after >= 0),
    description    TEXT NOT NULL DEFAULT '',
    note           TEXT NOT NULL DEFAULT '',
    metadata       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (balance_before + amount = balance_after)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_entries_seq ON balance_entries (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_balance_entries_order ON balance_entries (order_id) WHERE order_id != '';
CREATE INDEX IF NOT EXISTS idx_balance_entries_kind ON balance_entries (account_id, kind, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS balance_entries`)
				return err
			},
		},
	)
}
