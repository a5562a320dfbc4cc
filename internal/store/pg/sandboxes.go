// Package pg implements store.SandboxStore backed by Postgres, for
// deployments that keep sandbox bookkeeping in a shared database
// instead of the local state directory.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	mpgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a Postgres-backed SandboxStore. Per-key atomicity for Update
// comes from SELECT ... FOR UPDATE row locks.
type Store struct {
	db *sql.DB
}

var _ store.SandboxStore = (*Store)(nil)

// Open connects to Postgres with the given DSN and applies migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "open postgres registry")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.CategoryStorage, err, "ping postgres registry")
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.CategoryStorage, err, "migrate postgres registry")
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := mpgx.WithInstance(db, &mpgx.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
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
		`SELECT `+selectCols+` FROM sandboxes WHERE id = $1`, id)
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
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = $1`, id); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "remove sandbox %s", id)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, mutate func(*store.SandboxRecord) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "begin update for %s", id)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM sandboxes WHERE id = $1 FOR UPDATE`, id)
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
		`UPDATE sandboxes SET instance_id = $1, sidecar_url = $2, token = $3, ssh_port = $4,
		 backend_kind = $5, status = $6, tee_attestation = $7, metadata = $8, last_active_at = $9
		 WHERE id = $10`,
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
			`INSERT INTO sandboxes (`+selectCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
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
