package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	entryTableName        = "rinkelrelay_call_entries"
	sqlOperationTimeout   = 5 * time.Second
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite"
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries the statements that differ between drivers.
type sqlDialect struct {
	driver      string
	createTable string
	selectEntry string
	upsertEntry string
	pruneEntry  string
	setup       []string
}

func postgresDialect(table string) sqlDialect {
	table = postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: postgresDriverName,
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				call_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		selectEntry: fmt.Sprintf("SELECT payload FROM %s WHERE call_id = $1", table),
		upsertEntry: fmt.Sprintf(`
			INSERT INTO %s (call_id, payload, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (call_id)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, table),
		pruneEntry: fmt.Sprintf("DELETE FROM %s WHERE updated_at < $1", table),
	}
}

func sqliteDialect(table string) sqlDialect {
	table = postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: sqliteDriverName,
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				call_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`, table),
		selectEntry: fmt.Sprintf("SELECT payload FROM %s WHERE call_id = ?", table),
		upsertEntry: fmt.Sprintf(`
			INSERT INTO %s (call_id, payload, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (call_id)
			DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`, table),
		pruneEntry: fmt.Sprintf("DELETE FROM %s WHERE updated_at < ?", table),
		setup: []string{
			"PRAGMA journal_mode=WAL",
			fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMsec),
		},
	}
}

// SQLEntryBackend stores one row per call id. The table is created on first
// use.
type SQLEntryBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEntryBackend(dsn string) (*SQLEntryBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLEntryBackend{
		dsn:     dsn,
		dialect: postgresDialect(entryTableName),
		openDB:  sql.Open,
	}, nil
}

func NewSQLiteEntryBackend(path string) (*SQLEntryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLEntryBackend{
		dsn:     path,
		dialect: sqliteDialect(entryTableName),
		openDB:  sql.Open,
	}, nil
}

func (b *SQLEntryBackend) Driver() string {
	return b.dialect.driver
}

func (b *SQLEntryBackend) Load(ctx context.Context, callID string) (*CorrelationEntry, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.selectEntry, callID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry CorrelationEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *SQLEntryBackend) Save(ctx context.Context, entry CorrelationEntry) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, b.dialect.upsertEntry, entry.CallID, string(payload), b.timestamp(entry.UpdatedAt))
	return err
}

func (b *SQLEntryBackend) Prune(ctx context.Context, updatedBefore time.Time) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	result, err := b.db.ExecContext(ctx, b.dialect.pruneEntry, b.timestamp(updatedBefore))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (b *SQLEntryBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// timestamp stores sqlite times as unix nanoseconds so comparisons stay
// numeric.
func (b *SQLEntryBackend) timestamp(t time.Time) any {
	if b.dialect.driver == sqliteDriverName {
		return t.UTC().UnixNano()
	}
	return t.UTC()
}

func (b *SQLEntryBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDriverName {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, stmt := range b.dialect.setup {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		if _, err := db.ExecContext(ctx, b.dialect.createTable); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
