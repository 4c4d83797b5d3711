package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlStateTableName   = "operatorsync_state"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	selectBlob  string
	selectSize  string
	upsertBlob  string
	setup       []string
}

func postgresDialect(table string) sqlDialect {
	quoted := postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: "postgres",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		selectBlob: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", quoted),
		selectSize: fmt.Sprintf("SELECT octet_length(snapshot) FROM %s WHERE state_key = $1", quoted),
		upsertBlob: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoted),
	}
}

func sqliteDialect(table string) sqlDialect {
	quoted := postgresQuoteIdentifier(table)
	return sqlDialect{
		driver: "sqlite",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoted),
		selectBlob: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", quoted),
		selectSize: fmt.Sprintf("SELECT length(CAST(snapshot AS BLOB)) FROM %s WHERE state_key = ?", quoted),
		upsertBlob: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, quoted),
		setup: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		},
	}
}

// SQLStateBackend keeps one row per key. The table is created lazily on
// first use.
type SQLStateBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (*SQLStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:     dsn,
		dialect: postgresDialect(sqlStateTableName),
		openDB:  sql.Open,
	}, nil
}

func NewSQLiteStateBackend(path string) (*SQLStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStateBackend{
		dsn:     path,
		dialect: sqliteDialect(sqlStateTableName),
		openDB:  sql.Open,
	}, nil
}

func (b *SQLStateBackend) Load(ctx context.Context, key string) ([]byte, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err = b.db.QueryRowContext(ctx, b.dialect.selectBlob, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *SQLStateBackend) Save(ctx context.Context, key string, data []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err = b.db.ExecContext(ctx, b.dialect.upsertBlob, key, string(data))
	return err
}

func (b *SQLStateBackend) BytesInUse(ctx context.Context, key string) (int64, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return 0, err
	}
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var size sql.NullInt64
	err = b.db.QueryRowContext(ctx, b.dialect.selectSize, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return size.Int64, nil
}

func (b *SQLStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
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
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
