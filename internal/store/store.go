// Package store implements the archive of captured messages on SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
)

const tableName = "emails"

// DefaultPath is the database file used when no storage path is configured.
const DefaultPath = "smtp-sink.db"

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrSchemaExists reports that the emails table was already present.
	// EnsureSchema swallows it.
	ErrSchemaExists = errors.New("schema already exists")

	// ErrDecode is returned when a stored field cannot be decoded.
	ErrDecode = errors.New("malformed stored field")
)

// AUTOINCREMENT keeps ids from being reused after deletes.
const createTableSQL = `CREATE TABLE emails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	html TEXT NOT NULL,
	text TEXT NOT NULL,
	headers TEXT NOT NULL,
	subject TEXT NOT NULL,
	"messageId" TEXT NOT NULL,
	priority TEXT NOT NULL,
	"from" TEXT NOT NULL,
	"to" TEXT NOT NULL
)`

// Store is the archive of captured messages. A single Store is shared by
// the SMTP gateway and the HTTP API; SQLite serializes conflicting writes.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path. ":memory:" opens a
// private in-memory database pinned to a single connection.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureSchema creates the emails table. It is safe to call on every
// start: an existing table is logged and ignored.
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.createSchema(ctx)
	if errors.Is(err, ErrSchemaExists) {
		slog.Info("archive schema already present", "table", tableName)
		return nil
	}
	return err
}

func (s *Store) createSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(createTableSQL).Error; err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("%w: %w", ErrSchemaExists, err)
		}
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Insert persists rec, assigning its id and timestamps. rec is updated in
// place and the new id returned. Once Insert returns the record is durable
// and visible to every reader.
func (s *Store) Insert(ctx context.Context, rec *email.Record) (int64, error) {
	defer metrics.RecordStoreOp("insert", time.Now())

	now := time.Now().UTC()
	rec.ID = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	row, err := newRow(rec)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, fmt.Errorf("insert email: %w", err)
	}

	rec.ID = row.ID
	return row.ID, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*email.Record, error) {
	defer metrics.RecordStoreOp("get", time.Now())

	var row emailRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, notFound(err, "get email %d", id)
	}
	return row.record()
}

// Latest returns the record with the highest id, or ErrNotFound when the
// archive is empty.
func (s *Store) Latest(ctx context.Context) (*email.Record, error) {
	defer metrics.RecordStoreOp("latest", time.Now())

	var row emailRow
	if err := s.db.WithContext(ctx).Last(&row).Error; err != nil {
		return nil, notFound(err, "get latest email")
	}
	return row.record()
}

// List returns every record in insertion order.
func (s *Store) List(ctx context.Context) ([]*email.Record, error) {
	defer metrics.RecordStoreOp("list", time.Now())

	var rows []emailRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}

	out := make([]*email.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stream yields every record in insertion order from an open cursor; the
// full result is never held in memory. Iteration stops at the first error,
// which is yielded with a nil record.
func (s *Store) Stream(ctx context.Context) iter.Seq2[*email.Record, error] {
	return func(yield func(*email.Record, error) bool) {
		defer metrics.RecordStoreOp("stream", time.Now())

		rows, err := s.db.WithContext(ctx).Model(&emailRow{}).Order("id").Rows()
		if err != nil {
			yield(nil, fmt.Errorf("stream emails: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row emailRow
			if err := s.db.ScanRows(rows, &row); err != nil {
				yield(nil, fmt.Errorf("scan email: %w", err))
				return
			}
			rec, err := row.record()
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("stream emails: %w", err))
		}
	}
}

// Delete removes the record with the given id and reports how many rows
// were removed (0 or 1).
func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	defer metrics.RecordStoreOp("delete", time.Now())

	res := s.db.WithContext(ctx).Delete(&emailRow{}, id)
	if res.Error != nil {
		return 0, fmt.Errorf("delete email %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteUpTo removes every record with an id less than or equal to id.
func (s *Store) DeleteUpTo(ctx context.Context, id int64) (int64, error) {
	defer metrics.RecordStoreOp("purge", time.Now())

	res := s.db.WithContext(ctx).Where("id <= ?", id).Delete(&emailRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge emails up to %d: %w", id, res.Error)
	}
	return res.RowsAffected, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
