// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq" // PostgreSQL driver

	"github.com/innovationmech/txcoord/pkg/saga"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresConfig configures the PostgreSQL event log.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Table:           "domain_events",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// Validate checks the configuration.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres event log: dsn is required")
	}
	if !tableNamePattern.MatchString(c.Table) {
		return fmt.Errorf("postgres event log: invalid table name %q", c.Table)
	}
	return nil
}

// PostgresEventLog stores events in a single table with one row per event.
// UNIQUE(aggregate_id, version) backs the optimistic concurrency check.
type PostgresEventLog struct {
	db    *sql.DB
	table string
}

// NewPostgresEventLog opens a connection pool, pings it and creates the
// schema when AutoMigrate is set.
func NewPostgresEventLog(ctx context.Context, config *PostgresConfig) (*PostgresEventLog, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if config.Table == "" {
		config.Table = "domain_events"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	log := NewPostgresEventLogWithDB(db, config.Table)
	if config.AutoMigrate {
		if err := log.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return log, nil
}

// NewPostgresEventLogWithDB wraps an open database handle.
func NewPostgresEventLogWithDB(db *sql.DB, table string) *PostgresEventLog {
	if table == "" {
		table = "domain_events"
	}
	return &PostgresEventLog{db: db, table: table}
}

// EnsureSchema creates the events table and its index if they do not exist.
func (p *PostgresEventLog) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	version        BIGINT NOT NULL,
	transaction_id TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_transaction ON %s (transaction_id)`, indexSuffix(p.table), p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure event log schema: %w", err)
		}
	}
	return nil
}

// Append implements saga.EventLog. The insert only happens when no stored
// event of the aggregate has an equal or higher version.
func (p *PostgresEventLog) Append(ctx context.Context, event saga.DomainEvent) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	payload, err := MarshalEvent(event)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (id, aggregate_id, aggregate_type, event_type, version, transaction_id, payload)
SELECT $1, $2, $3, $4, $5, $6, $7
WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE aggregate_id = $2 AND version >= $5)`, p.table)

	res, err := p.db.ExecContext(ctx, query,
		event.ID, event.AggregateID, event.AggregateType, string(event.Type),
		event.Version, event.Metadata.TransactionID, payload)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return saga.WrapError(err, saga.ErrCodeVersionConflict,
				fmt.Sprintf("aggregate %s version %d already exists", event.AggregateID, event.Version))
		}
		return fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}
	if n == 0 {
		current, err := p.currentVersion(ctx, event.AggregateID)
		if err != nil {
			return err
		}
		return saga.NewVersionConflictError(event.AggregateID, event.Version, current)
	}
	return nil
}

// LastVersion implements saga.VersionReader.
func (p *PostgresEventLog) LastVersion(ctx context.Context, aggregateID string) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return p.currentVersion(ctx, aggregateID)
}

func (p *PostgresEventLog) currentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(version) FROM %s WHERE aggregate_id = $1`, p.table)
	if err := p.db.QueryRowContext(ctx, query, aggregateID).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read version of %s: %w", aggregateID, err)
	}
	return v.Int64, nil
}

// GetStream implements saga.EventLog.
func (p *PostgresEventLog) GetStream(ctx context.Context, aggregateID string, fromVersion int64) ([]saga.DomainEvent, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	query := fmt.Sprintf(`SELECT payload FROM %s WHERE aggregate_id = $1 AND version >= $2 ORDER BY version ASC`, p.table)
	rows, err := p.db.QueryContext(ctx, query, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var events []saga.DomainEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event, err := UnmarshalEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stream %s: %w", aggregateID, err)
	}
	return events, nil
}

// HealthCheck pings the database.
func (p *PostgresEventLog) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *PostgresEventLog) Close() error {
	return p.db.Close()
}

func indexSuffix(table string) string {
	out := []byte(table)
	for i, c := range out {
		if c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
