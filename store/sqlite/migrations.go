package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the balance store (SQLite).
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
    balance     TEXT NOT NULL DEFAULT '0.00',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
    price                   TEXT NOT NULL DEFAULT '0.00',
    metadata                TEXT NOT NULL DEFAULT '{}',
    last_callback_reference TEXT NOT NULL DEFAULT '',
    settled_at              DATETIME,
    expires_at              DATETIME,
    created_at              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_orders_reference ON balance_orders (reference);
CREATE INDEX IF NOT EXISTS idx_balance_orders_account ON balance_orders (account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_balance_orders_expiry ON balance_orders (state, expires_at);
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
    seq            INTEGER NOT NULL,
    kind           TEXT NOT NULL,
    amount         TEXT NOT NULL,
    balance_before TEXT NOT NULL,
    balance_after  TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    note           TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_balance_entries_seq ON balance_entries (account_id, seq);
CREATE INDEX IF NOT EXISTS idx_balance_entries_order ON balance_entries (order_id);
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
