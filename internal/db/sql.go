package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"github.com/amirphl/order-router/internal/db/conf"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_index (
	order_id    TEXT PRIMARY KEY,
	role        TEXT,
	group_id    TEXT,
	strategy_id TEXT,
	protected   INTEGER NOT NULL DEFAULT 0,
	symbol      TEXT,
	created_at  TEXT NOT NULL
)`

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// SQLIndex is an Index on database/sql. The sqlite and postgres dialects
// differ only in placeholder syntax.
type SQLIndex struct {
	db     *sql.DB
	driver string
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, c conf.Config) (*SQLIndex, error) {
	idx := &SQLIndex{db: c.DB, driver: c.Driver}
	if _, err := idx.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply order_index schema: %w", err)
	}
	return idx, nil
}

// Open connects with conf.NewConfig and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLIndex, error) {
	c, err := conf.NewConfig(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	idx, err := New(ctx, *c)
	if err != nil {
		c.DB.Close()
		return nil, err
	}
	return idx, nil
}

func (p *SQLIndex) GetDB() *sql.DB {
	return p.db
}

func (p *SQLIndex) Close() error {
	return p.db.Close()
}

// placeholders returns n bind markers starting at position from (1-based).
func (p *SQLIndex) placeholders(from, n int) string {
	marks := make([]string, n)
	for i := range marks {
		if p.driver == conf.DriverPostgres {
			marks[i] = fmt.Sprintf("$%d", from+i)
		} else {
			marks[i] = "?"
		}
	}
	return strings.Join(marks, ",")
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *SQLIndex) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

func (p *SQLIndex) upsertQuery() string {
	return `INSERT INTO order_index (order_id, role, group_id, strategy_id, protected, symbol, created_at)
		VALUES (` + p.placeholders(1, 7) + `)
		ON CONFLICT (order_id) DO UPDATE SET
			role = excluded.role,
			group_id = excluded.group_id,
			strategy_id = excluded.strategy_id,
			protected = excluded.protected,
			symbol = excluded.symbol,
			created_at = excluded.created_at`
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func upsertArgs(m Metadata) []any {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	protected := 0
	if m.Protected {
		protected = 1
	}
	return []any{
		m.OrderID,
		nullable(m.Role),
		nullable(m.Group),
		nullable(m.StrategyID),
		protected,
		nullable(m.Symbol),
		created.UTC().Format(time.RFC3339Nano),
	}
}

func (p *SQLIndex) Record(ctx context.Context, m Metadata) error {
	return p.RecordAll(ctx, []Metadata{m})
}

// RecordAll upserts every entry in one transaction.
func (p *SQLIndex) RecordAll(ctx context.Context, ms []Metadata) error {
	if len(ms) == 0 {
		return nil
	}
	for _, m := range ms {
		if m.OrderID == "" {
			return ErrEmptyOrderID
		}
	}
	query := p.upsertQuery()
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare order_index upsert: %w", err)
		}
		defer stmt.Close()
		for _, m := range ms {
			if _, err := stmt.ExecContext(ctx, upsertArgs(m)...); err != nil {
				return fmt.Errorf("record %s: %w", m.OrderID, err)
			}
		}
		return nil
	})
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (p *SQLIndex) BulkFetch(ctx context.Context, orderIDs []string) (map[string]Metadata, error) {
	out := make(map[string]Metadata, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}

	query := `SELECT order_id, role, group_id, strategy_id, protected, symbol, created_at
		FROM order_index WHERE order_id IN (` + p.placeholders(1, len(orderIDs)) + `)`
	var (
		rows *sql.Rows
		err  error
	)
	if tx := GetTransaction(ctx); tx != nil {
		rows, err = tx.QueryContext(ctx, query, idArgs(orderIDs)...)
	} else {
		rows, err = p.db.QueryContext(ctx, query, idArgs(orderIDs)...)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch order metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                             Metadata
			role, group, strategy, symbol sql.NullString
			protected                     int
			created                       string
		)
		if err := rows.Scan(&m.OrderID, &role, &group, &strategy, &protected, &symbol, &created); err != nil {
			return nil, fmt.Errorf("scan order metadata: %w", err)
		}
		m.Role, m.Group, m.StrategyID, m.Symbol = role.String, group.String, strategy.String, symbol.String
		m.Protected = protected != 0
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = t
		}
		out[m.OrderID] = m
	}
	return out, rows.Err()
}

func (p *SQLIndex) Purge(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	query := `DELETE FROM order_index WHERE order_id IN (` + p.placeholders(1, len(orderIDs)) + `)`
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, idArgs(orderIDs)...); err != nil {
			return fmt.Errorf("purge order metadata: %w", err)
		}
		return nil
	})
}
