package database

import (
	"database/sql"
	stdlog "log"
	"strings"

	"github.com/username/ionbridge/src/logger"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

// InitDB opens the database and ensures the schema exists. A postgres:// or
// postgresql:// DSN selects the pq driver; anything else is treated as a
// sqlite file path. All queries in this codebase use $N placeholders in
// sequential order, which both drivers bind identically.
func InitDB(databaseURL string) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		stdlog.Fatalf("failed to open database (%s): %v", driver, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Ensuring database schema", "driver", driver)
	} else {
		stdlog.Println("Ensuring database schema, driver:", driver)
	}

	createTableStatement := `
	CREATE TABLE IF NOT EXISTS sales_orders (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		customer_name TEXT,
		order_date TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		converted_currency TEXT,
		converted_amount TEXT,
		converted_tax TEXT,
		converted_total TEXT,
		fx_rate TEXT,
		converted_at TIMESTAMP,
		invoice_id TEXT,
		invoice_status TEXT,
		invoice_created_at TIMESTAMP,
		processing_status TEXT NOT NULL DEFAULT 'pending',
		route_path TEXT NOT NULL DEFAULT 'normal',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS fx_rates (
		id TEXT PRIMARY KEY,
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		rate TEXT NOT NULL,
		source TEXT NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		UNIQUE (from_currency, to_currency, fetched_at)
	);

	CREATE TABLE IF NOT EXISTS fx_conversions (
		id TEXT PRIMARY KEY,
		sales_order_id TEXT NOT NULL REFERENCES sales_orders(id),
		fx_rate_id TEXT NOT NULL REFERENCES fx_rates(id),
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		original_total TEXT NOT NULL,
		converted_total TEXT NOT NULL,
		rate TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS integration_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		order_id TEXT,
		payload TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS integration_errors (
		id TEXT PRIMARY KEY,
		error_type TEXT NOT NULL,
		message TEXT NOT NULL,
		detail TEXT,
		order_id TEXT,
		payload TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at TIMESTAMP,
		resolution_notes TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_orders_status ON sales_orders(processing_status);
	CREATE INDEX IF NOT EXISTS idx_fx_rates_pair ON fx_rates(from_currency, to_currency, fetched_at);
	CREATE INDEX IF NOT EXISTS idx_events_type ON integration_events(event_type, status);
	CREATE INDEX IF NOT EXISTS idx_events_created ON integration_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_errors_unresolved ON integration_errors(is_resolved, error_type);
	`

	_, err = DB.Exec(createTableStatement)
	if err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}
