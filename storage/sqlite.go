package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"devlog.app/licenses/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	// Immediate transactions take the write lock up front, so two batches
	// never deadlock upgrading from a read lock.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "sqlite get %q", key)
	}
	return value, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, upsertQuery, key, value)
	if err != nil {
		return errors.Wrapf(err, "sqlite set %q", key)
	}
	return nil
}

const (
	upsertQuery = `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`
	insertIfAbsentQuery = `INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO NOTHING`
)

func (s *SQLiteStorage) Apply(ctx context.Context, batch *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite begin batch")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logger.Warn("Failed to roll back batch", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	for _, op := range batch.Ops() {
		switch op.Kind {
		case OpSet:
			if _, err := tx.ExecContext(ctx, upsertQuery, op.Key, op.Value); err != nil {
				return errors.Wrapf(err, "sqlite batch set %q", op.Key)
			}
		case OpSetIfAbsent:
			result, err := tx.ExecContext(ctx, insertIfAbsentQuery, op.Key, op.Value)
			if err != nil {
				return errors.Wrapf(err, "sqlite batch insert %q", op.Key)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "sqlite rows affected")
			}
			if rows == 0 {
				return ErrKeyExists
			}
		default:
			return fmt.Errorf("unsupported batch op %s", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite commit batch")
	}
	return nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
