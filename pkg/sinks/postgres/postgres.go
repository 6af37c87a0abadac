/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres writes destination rows to a PostgreSQL table with pgx.
// Appended rows are inserted with ON CONFLICT DO NOTHING on record_id,
// upserted rows replace the row with the same key columns. All chunks of one
// write share a READ COMMITTED transaction, so a write is acknowledged only
// after everything is committed.
package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
)

const (
	sinkType = "postgres"
	// maxParams is the bind parameter limit of one statement.
	maxParams = 65535
)

// Connection holds resolved connection settings.
type Connection struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// DSN returns the connection as a postgres:// URL.
func (c Connection) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

type tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type conn interface {
	begin(ctx context.Context) (tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

type poolConn struct {
	*pgxpool.Pool
}

func (p poolConn) begin(ctx context.Context) (tx, error) {
	return p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

// ToPostgres writes rows into one table.
type ToPostgres struct {
	name        string
	table       string
	batchSize   int
	createTable bool
	db          conn
	logger      *zap.SugaredLogger
}

type Option func(*ToPostgres) error

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *ToPostgres) error {
		t.logger = log
		return nil
	}
}

// WithBatchSize sets the number of rows per INSERT statement.
func WithBatchSize(n int) Option {
	return func(t *ToPostgres) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		t.batchSize = n
		return nil
	}
}

// WithCreateTable controls whether the schema and table are created at startup.
func WithCreateTable(create bool) Option {
	return func(t *ToPostgres) error {
		t.createTable = create
		return nil
	}
}

// NewToPostgres connects, pings and prepares the table for rows of kind.
// An unreachable database is returned as an error.
func NewToPostgres(ctx context.Context, name, table string, kind sinks.Kind, c Connection, opts ...Option) (*ToPostgres, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	t, err := newToPostgres(ctx, name, table, kind, poolConn{pool}, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return t, nil
}

func newToPostgres(ctx context.Context, name, table string, kind sinks.Kind, db conn, opts ...Option) (*ToPostgres, error) {
	t := &ToPostgres{
		name:        name,
		table:       table,
		batchSize:   1000,
		createTable: true,
		db:          db,
	}
	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}
	if t.logger == nil {
		t.logger = logging.FromContext(ctx)
	}
	t.logger = t.logger.With("sinkType", sinkType, "destination", name, "table", table)
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach database for destination %s: %w", name, err)
	}
	if t.createTable {
		for _, stmt := range SchemaStatements(table, kind) {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("failed to prepare table %s: %w", table, err)
			}
		}
	}
	t.logger.Infow("Postgres destination ready", zap.Int("batchSize", t.batchSize))
	return t, nil
}

// GetName returns the name.
func (t *ToPostgres) GetName() string {
	return t.name
}

// IsHealthy pings the database.
func (t *ToPostgres) IsHealthy(ctx context.Context) error {
	return t.db.Ping(ctx)
}

// Write inserts or upserts the rows in a single transaction.
func (t *ToPostgres) Write(ctx context.Context, rows *sinks.Rows) (err error) {
	if rows.Len() == 0 {
		return nil
	}
	defer func() {
		if err != nil {
			metrics.SinkWriteErrors.WithLabelValues(t.name, sinkType).Inc()
		}
	}()
	size := t.batchSize
	if limit := maxParams / len(rows.Columns); size > limit {
		size = limit
	}
	txn, err := t.db.begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = txn.Rollback(context.WithoutCancel(ctx))
		}
	}()
	var affected int64
	for _, chunk := range rows.Chunks(size) {
		sql, args := BuildInsert(t.table, chunk)
		tag, err := txn.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to write %d rows to %s: %w", chunk.Len(), t.table, err)
		}
		affected += tag.RowsAffected()
	}
	if err = txn.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %d rows to %s: %w", rows.Len(), t.table, err)
	}
	metrics.SinkWriteRows.WithLabelValues(t.name, sinkType).Add(float64(rows.Len()))
	t.logger.Debugw("Rows written", zap.Int("rows", rows.Len()), zap.Int64("affected", affected))
	return nil
}

func (t *ToPostgres) Close() error {
	t.db.Close()
	return nil
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func quoteColumn(c string) string {
	return pgx.Identifier{c}.Sanitize()
}

// BuildInsert returns a multi-row INSERT for rows and its arguments.
func BuildInsert(table string, rows *sinks.Rows) (string, []any) {
	cols := make([]string, len(rows.Columns))
	for i, c := range rows.Columns {
		cols[i] = quoteColumn(c)
	}
	keys := make([]string, len(rows.KeyColumns))
	isKey := make(map[string]bool, len(rows.KeyColumns))
	for i, k := range rows.KeyColumns {
		keys[i] = quoteColumn(k)
		isKey[k] = true
	}

	var sb strings.Builder
	args := make([]any, 0, rows.Len()*len(cols))
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteTable(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")
	n := 1
	for i, row := range rows.Values {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			args = append(args, pgValue(v))
		}
		sb.WriteByte(')')
	}
	sb.WriteString(" ON CONFLICT (")
	sb.WriteString(strings.Join(keys, ", "))
	if rows.Mode != sinks.Upsert {
		sb.WriteString(") DO NOTHING")
		return sb.String(), args
	}
	sb.WriteString(") DO UPDATE SET ")
	first := true
	for i, c := range rows.Columns {
		if isKey[c] {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(cols[i])
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(cols[i])
	}
	return sb.String(), args
}

// pgValue converts the row value types pgx has no default encoding for.
func pgValue(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		var n pgtype.Numeric
		if err := n.Scan(x.String()); err != nil {
			return x.String()
		}
		return n
	case uuid.NullUUID:
		return pgtype.UUID{Bytes: x.UUID, Valid: x.Valid}
	case uuid.UUID:
		return pgtype.UUID{Bytes: x, Valid: true}
	default:
		return v
	}
}

var columnTypes = map[string]string{
	sinks.ColRecordID:    "TEXT",
	"user_id":            "TEXT NOT NULL",
	"event_type":         "TEXT NOT NULL",
	"product_id":         "TEXT NOT NULL",
	"product_category":   "TEXT",
	"product_price":      "NUMERIC",
	"quantity":           "INTEGER",
	"timestamp":          "TIMESTAMPTZ NOT NULL",
	"purchase_timestamp": "TIMESTAMPTZ NOT NULL",
	"session_id":         "UUID",
	"device":             "TEXT",
	"country":            "CHAR(2)",
	"total_amount":       "NUMERIC",
	"batch_id":           "BIGINT",
	"ingested_at":        "TIMESTAMPTZ",
	"processed_at":       "TIMESTAMPTZ",
	"window_start":       "TIMESTAMPTZ NOT NULL",
	"window_end":         "TIMESTAMPTZ NOT NULL",
	"event_count":        "BIGINT NOT NULL",
	"total_revenue":      "NUMERIC",
	"summed_quantity":    "BIGINT",
	"unique_users":       "BIGINT",
	"average_quantity":   "NUMERIC",
	"calculated_at":      "TIMESTAMPTZ",
}

// SchemaStatements returns the DDL that creates table for rows of kind.
func SchemaStatements(table string, kind sinks.Kind) []string {
	var stmts []string
	if parts := strings.Split(table, "."); len(parts) == 2 {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+quoteColumn(parts[0]))
	}
	var cols, keys []string
	switch kind {
	case sinks.KindPurchases:
		cols, keys = sinks.PurchaseColumns, []string{sinks.ColRecordID}
	case sinks.KindAggregates:
		cols, keys = sinks.AggregateColumns, sinks.AggregateKeyColumns
	default:
		cols, keys = sinks.EventColumns, []string{sinks.ColRecordID}
	}
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		typ := columnTypes[c]
		// part of the aggregate key, so never null there
		if kind == sinks.KindAggregates && c == "product_category" {
			typ = "TEXT NOT NULL"
		}
		defs = append(defs, quoteColumn(c)+" "+typ)
	}
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = quoteColumn(k)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(quotedKeys, ", ")+")")
	stmts = append(stmts, "CREATE TABLE IF NOT EXISTS "+quoteTable(table)+" (\n  "+strings.Join(defs, ",\n  ")+"\n)")
	return stmts
}
