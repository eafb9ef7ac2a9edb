package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GetConfig returns database configuration with defaults
func GetConfig() *DBConfig {
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "rentfolio")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	return &DBConfig{
		Host:            viper.GetString("database.host"),
		Port:            viper.GetString("database.port"),
		User:            viper.GetString("database.user"),
		Password:        viper.GetString("database.password"),
		Name:            viper.GetString("database.name"),
		SSLMode:         viper.GetString("database.ssl_mode"),
		MaxOpenConns:    viper.GetInt("database.max_open_conns"),
		MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
	}
}

// InitDB opens the connection pool and ensures the schema exists.
func InitDB() (*sql.DB, error) {
	config := GetConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Name, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("error ensuring schema: %w", err)
	}
	return db, nil
}

// ensureSchema bootstraps the tables and the unique indexes every idempotency
// contract in the engine relies on.
func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			lease_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			date DATE NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			external_reference TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			total NUMERIC(14,2) NOT NULL,
			open_balance NUMERIC(14,2) NOT NULL DEFAULT 0,
			reversed_transaction_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_key
			ON transactions (org_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ledger_lines (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			posting_date DATE NOT NULL,
			amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
			direction TEXT NOT NULL CHECK (direction IN ('DEBIT','CREDIT')),
			memo TEXT NOT NULL DEFAULT '',
			property_id TEXT NOT NULL DEFAULT '',
			unit_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL,
			account_name TEXT NOT NULL,
			account_number TEXT NOT NULL DEFAULT '',
			account_type TEXT NOT NULL,
			is_bank_account BOOLEAN NOT NULL DEFAULT FALSE,
			exclude_from_cash_balances BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_lines_org_date
			ON ledger_lines (org_id, posting_date, created_at)`,
		`CREATE TABLE IF NOT EXISTS payment_applications (
			payment_id TEXT NOT NULL REFERENCES transactions(id),
			charge_id TEXT NOT NULL REFERENCES transactions(id),
			amount NUMERIC(14,2) NOT NULL,
			reopened_by_transaction_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (payment_id, charge_id)
		)`,
		`CREATE TABLE IF NOT EXISTS bank_register (
			org_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			external_transaction_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'UNCLEARED',
			session_id TEXT NOT NULL DEFAULT '',
			cleared_at TIMESTAMPTZ,
			cleared_by TEXT NOT NULL DEFAULT '',
			reconciled_at TIMESTAMPTZ,
			reconciled_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (org_id, account_id, transaction_id)
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			statement_at DATE NOT NULL,
			open BOOLEAN NOT NULL DEFAULT TRUE,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			org_id TEXT NOT NULL DEFAULT '',
			payload JSONB,
			status TEXT NOT NULL DEFAULT 'PENDING',
			error_message TEXT NOT NULL DEFAULT '',
			retryable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (external_id, name, occurred_at)
		)`,
		`CREATE TABLE IF NOT EXISTS recurring_rules (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			lease_id TEXT NOT NULL,
			unit_id TEXT NOT NULL DEFAULT '',
			frequency TEXT NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			income_role TEXT NOT NULL,
			receivable_role TEXT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			sync_external BOOLEAN NOT NULL DEFAULT FALSE,
			first_bill_date DATE NOT NULL,
			last_bill_date DATE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gl_account_mappings (
			org_id TEXT NOT NULL,
			role TEXT NOT NULL,
			account_id TEXT NOT NULL,
			account_name TEXT NOT NULL,
			account_number TEXT NOT NULL DEFAULT '',
			account_type TEXT NOT NULL,
			is_bank_account BOOLEAN NOT NULL DEFAULT FALSE,
			exclude_from_cash_balances BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (org_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS org_settings (
			org_id TEXT PRIMARY KEY,
			integration_enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
