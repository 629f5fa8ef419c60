package journal

const Schema = `
CREATE TABLE IF NOT EXISTS venues (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	params TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	venue_id TEXT NOT NULL,
	starting_equity REAL NOT NULL CHECK (starting_equity >= 0),
	current_equity REAL NOT NULL,
	total_fees REAL NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	risk_profile TEXT NOT NULL,
	frozen INTEGER NOT NULL DEFAULT 0,
	frozen_reason TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	signal_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	requested_size REAL NOT NULL,
	leverage REAL NOT NULL,
	max_size REAL NOT NULL,
	max_leverage REAL NOT NULL,
	stop_loss_price REAL NOT NULL,
	take_profit_price REAL NOT NULL,
	status TEXT NOT NULL,
	reject_code TEXT NOT NULL DEFAULT '',
	reject_msg TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_account_created ON orders(account_id, created_at);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	fill_price REAL NOT NULL,
	fill_size REAL NOT NULL,
	leverage REAL NOT NULL,
	stop_loss_price REAL NOT NULL,
	take_profit_price REAL NOT NULL,
	fee_rate REAL NOT NULL DEFAULT 0,
	opened_at DATETIME NOT NULL,
	exit_price REAL,
	realized_pnl REAL,
	fee REAL NOT NULL DEFAULT 0,
	closed_at DATETIME,
	exit_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trades_account_closed ON trades(account_id, closed_at);

CREATE TABLE IF NOT EXISTS worker_state (
	account_id TEXT NOT NULL,
	venue_id TEXT NOT NULL,
	status TEXT NOT NULL,
	last_heartbeat_at DATETIME,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	next_restart_at DATETIME,
	running_since DATETIME,
	run_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (account_id, venue_id)
);

CREATE TABLE IF NOT EXISTS worker_crashes (
	account_id TEXT NOT NULL,
	venue_id TEXT NOT NULL,
	crashed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_worker_crashes ON worker_crashes(account_id, venue_id, crashed_at);

CREATE TABLE IF NOT EXISTS snapshots (
	account_id TEXT NOT NULL,
	as_of DATETIME NOT NULL,
	trade_count INTEGER NOT NULL,
	win_rate REAL NOT NULL,
	profit_factor REAL,
	sharpe_ratio REAL,
	max_drawdown_pct REAL NOT NULL,
	ready_for_live INTEGER NOT NULL,
	reasons TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_snapshots_account ON snapshots(account_id, as_of);

CREATE TABLE IF NOT EXISTS daily_summaries (
	account_id TEXT NOT NULL,
	date TEXT NOT NULL,
	trades_opened INTEGER NOT NULL,
	trades_closed INTEGER NOT NULL,
	realized_pnl REAL NOT NULL,
	ending_equity REAL NOT NULL,
	worker_status TEXT NOT NULL,
	frozen INTEGER NOT NULL,
	PRIMARY KEY (account_id, date)
);
`
