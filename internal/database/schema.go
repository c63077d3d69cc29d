package database

// schemaSQL is the logical layout of spec.md §6, mapped to scaled-integer
// columns per SPEC_FULL.md §4 (money.PriceMicros/QuantityUnits/CashCents).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS portfolios (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cash_balance_cents INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cash_adjustments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	previous_cents INTEGER NOT NULL,
	new_cents INTEGER NOT NULL,
	notes TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	portfolio_id INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol TEXT NOT NULL,
	quantity_units INTEGER NOT NULL DEFAULT 0,
	average_cost_micros INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (portfolio_id, symbol)
);

CREATE TABLE IF NOT EXISTS grids (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol TEXT NOT NULL,
	market TEXT NOT NULL,
	name TEXT NOT NULL,
	lower_price_micros INTEGER NOT NULL,
	upper_price_micros INTEGER NOT NULL,
	level_count INTEGER NOT NULL,
	spacing_micros INTEGER NOT NULL,
	investment_amount_cents INTEGER NOT NULL,
	status TEXT NOT NULL,
	strategy_kind TEXT NOT NULL,
	strategy_config_json TEXT,
	created_at TEXT NOT NULL,
	last_rebalanced_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_grids_status_symbol ON grids(status, symbol);
CREATE INDEX IF NOT EXISTS idx_grids_portfolio ON grids(portfolio_id);

CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	grid_id INTEGER NOT NULL REFERENCES grids(id) ON DELETE CASCADE,
	level_index INTEGER NOT NULL,
	level_price_micros INTEGER NOT NULL,
	side TEXT NOT NULL,
	quantity_units INTEGER NOT NULL,
	state TEXT NOT NULL,
	paired_level INTEGER,
	filled_at TEXT,
	filled_price_micros INTEGER,
	trigger_price_micros INTEGER,
	realised_profit_cents INTEGER,
	cancel_reason TEXT,
	source TEXT NOT NULL DEFAULT 'GRID'
);

CREATE INDEX IF NOT EXISTS idx_orders_grid ON orders(grid_id);
CREATE INDEX IF NOT EXISTS idx_orders_grid_state ON orders(grid_id, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_grid_level_pending
	ON orders(grid_id, level_index)
	WHERE state = 'PENDING';

CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	grid_id INTEGER,
	symbol TEXT,
	payload_json TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	created_at TEXT NOT NULL,
	dispatched_at TEXT,
	dispatch_attempts INTEGER NOT NULL DEFAULT 0,
	dispatch_state TEXT NOT NULL DEFAULT 'PENDING'
);

CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_dispatch_state ON alerts(dispatch_state);

CREATE TABLE IF NOT EXISTS manual_fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity_units INTEGER NOT NULL,
	price_micros INTEGER NOT NULL,
	fees_cents INTEGER NOT NULL DEFAULT 0,
	realised_profit_cents INTEGER,
	notes TEXT,
	filled_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_manual_fills_portfolio ON manual_fills(portfolio_id, symbol);

CREATE TABLE IF NOT EXISTS price_cache (
	symbol TEXT PRIMARY KEY,
	price_micros INTEGER NOT NULL,
	observed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	portfolio_id INTEGER NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	cash_cents INTEGER NOT NULL,
	holdings_value_cents INTEGER NOT NULL,
	unrealised_pl_cents INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_portfolio_snapshots_portfolio ON portfolio_snapshots(portfolio_id, created_at);

CREATE TABLE IF NOT EXISTS leases (
	task_name TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`
