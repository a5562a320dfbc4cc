// Package sqlite implements store.SandboxStore on an embedded SQLite
// database. This is the default durable backend: a single db file under
// the state directory, owner-only permissions.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed SandboxStore. SQLite has a single writer, so
// Update serializes read-modify-writes behind a store-level mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes Update and Replace transactions
}

var _ store.SandboxStore = (*Store)(nil)

// Open creates (if needed) and migrates the sandbox registry db at
// <stateDir>/sandboxes.db. The state dir and db file are restricted to
// the owning user.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "create state dir %s", stateDir)
	}
	path := filepath.Join(stateDir, "sandboxes.db")

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "open sandbox registry %s", path)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.CategoryStorage, err, "migrate sandbox registry")
	}

	// The db exists after migration; clamp permissions to the owner.
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.CategoryStorage, err, "restrict registry permissions")
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const selectCols = `id, instance_id, sidecar_url, token, ssh_port, backend_kind,
 status, tee_attestation, metadata, created_at, last_active_at`

func (s *Store) Get(ctx context.Context, id string) (*store.SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM sandboxes WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "get sandbox %s", id)
	}
	return rec, nil
}

func (s *Store) Find(ctx context.Context, pred func(*store.SandboxRecord) bool) (*store.SandboxRecord, error) {
	recs, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if pred(rec) {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *Store) Values(ctx context.Context) ([]*store.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "scan sandbox registry")
	}
	defer rows.Close()

	var out []*store.SandboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CategoryStorage, err, "scan sandbox row")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Insert(ctx context.Context, rec *store.SandboxRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (`+selectCols+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.InstanceID, rec.SidecarURL, rec.Token, rec.SSHPort,
		string(rec.BackendKind), string(rec.Status),
		nullBytes(rec.TeeAttestation), nullBytes(rec.Metadata),
		rec.CreatedAt.UTC(), rec.LastActiveAt.UTC(),
	)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "insert sandbox %s", rec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "remove sandbox %s", id)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, mutate func(*store.SandboxRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "begin update for %s", id)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+selectCols+` FROM sandboxes WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "read sandbox %s", id)
	}

	if err := mutate(rec); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sandboxes SET instance_id = ?, sidecar_url = ?, token = ?, ssh_port = ?,
		 backend_kind = ?, status = ?, tee_attestation = ?, metadata = ?, last_active_at = ?
		 WHERE id = ?`,
		rec.InstanceID, rec.SidecarURL, rec.Token, rec.SSHPort,
		string(rec.BackendKind), string(rec.Status),
		nullBytes(rec.TeeAttestation), nullBytes(rec.Metadata),
		rec.LastActiveAt.UTC(), id,
	); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "update sandbox %s", id)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "commit update for %s", id)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, recs map[string]*store.SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "begin replace")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sandboxes`); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "clear sandbox registry")
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sandboxes (`+selectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.InstanceID, rec.SidecarURL, rec.Token, rec.SSHPort,
			string(rec.BackendKind), string(rec.Status),
			nullBytes(rec.TeeAttestation), nullBytes(rec.Metadata),
			rec.CreatedAt.UTC(), rec.LastActiveAt.UTC(),
		); err != nil {
			return fault.Wrap(fault.CategoryStorage, err, "replace sandbox %s", rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "commit replace")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.SandboxRecord, error) {
	var rec store.SandboxRecord
	var kind, status string
	var attestation, metadata []byte
	var createdAt, lastActive time.Time

	if err := row.Scan(
		&rec.ID, &rec.InstanceID, &rec.SidecarURL, &rec.Token, &rec.SSHPort,
		&kind, &status, &attestation, &metadata, &createdAt, &lastActive,
	); err != nil {
		return nil, err
	}

	rec.BackendKind = store.BackendKind(kind)
	rec.Status = store.Status(status)
	rec.TeeAttestation = attestation
	rec.Metadata = metadata
	rec.CreatedAt = createdAt.UTC()
	rec.LastActiveAt = lastActive.UTC()
	return &rec, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
