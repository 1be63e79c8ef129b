// Package sqlstore implements store.Store on SQLite through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/types"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// finalizedStatus lists the terminal status values in SQL form
var finalizedStatus = "'" + strings.Join([]string{
	types.StatusPassed.String(),
	types.StatusFailed.String(),
	types.StatusError.String(),
}, "','") + "'"

var _ store.Store = &Store{}

// Store is a SQLite backed status store
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the database at path.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	// single connection: in-memory databases are per connection and
	// the worker is the only frequent writer anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping status store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("status store path is required")
	case path == ":memory:", strings.HasPrefix(path, "file:"):
		return path, nil
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create status store dir: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn == ":memory:" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Create implements store.Store
func (s *Store) Create(ctx context.Context, owner string) (int64, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO test_results (owner, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		owner, types.StatusPending.String(), now, now)
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}
	return id, nil
}

// Update implements store.Updater
func (s *Store) Update(ctx context.Context, id int64, r types.Result) error {
	if err := store.CheckUpdate(r); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_results SET status = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (`+finalizedStatus+`)`,
		r.Status.String(), r.Output, nullString(r.Error), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	// nothing changed, tell missing from finalized
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrFinalized
}

const selectRecord = `SELECT id, owner, status, output, error, created_at, updated_at FROM test_results`

// Get implements store.Store
func (s *Store) Get(ctx context.Context, id int64) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context, owner string) ([]store.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if owner == "" {
		rows, err = s.db.QueryContext(ctx, selectRecord+` ORDER BY id DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, selectRecord+` WHERE owner = ? ORDER BY id DESC`, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	rt := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		rt = append(rt, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return rt, nil
}

// Recover implements store.Store
func (s *Store) Recover(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_results SET status = ?, error = ?, updated_at = ?
		WHERE status NOT IN (`+finalizedStatus+`)`,
		types.StatusError.String(), store.InterruptedMessage, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("recover records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover records: %w", err)
	}
	return int(n), nil
}

// Close implements store.Store
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var (
		rec                  store.Record
		status               string
		errMsg               sql.NullString
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&rec.ID, &rec.Owner, &status, &rec.Output, &errMsg, &createdAt, &updatedAt); err != nil {
		return store.Record{}, err
	}
	st, err := types.ParseStatus(status)
	if err != nil {
		return store.Record{}, err
	}
	rec.Status = st
	rec.Error = errMsg.String
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
