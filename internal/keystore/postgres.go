package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // also registers the postgres driver
)

// PostgresStore implements Store on a relational table. The version guard
// is the WHERE clause of the update statement, so the database arbitrates
// concurrent commits even across multiple keylifed processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool for the given DSN and verifies
// connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres store: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle (for tests).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the key_records table if it does not exist. seq preserves
// insertion order for List.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS key_records (
			id               TEXT PRIMARY KEY,
			system_name      TEXT NOT NULL,
			system_type      TEXT NOT NULL,
			env              TEXT NOT NULL,
			display_name     TEXT NOT NULL,
			current_ref      TEXT NOT NULL,
			previous_ref     TEXT,
			state            TEXT NOT NULL,
			version          BIGINT NOT NULL,
			rotated_at       TIMESTAMPTZ,
			grace_expires_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			seq              BIGSERIAL
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate key_records: %w", err)
	}
	return nil
}

const recordColumns = `id, system_name, system_type, env, display_name,
	current_ref, previous_ref, state, version, rotated_at, grace_expires_at, created_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (KeyRecord, error) {
	var (
		rec      KeyRecord
		state    string
		prevRef  sql.NullString
		rotated  sql.NullTime
		graceExp sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SystemName, &rec.SystemType, &rec.Env, &rec.DisplayName,
		&rec.CurrentRef, &prevRef, &state, &rec.Version, &rotated, &graceExp, &rec.CreatedAt)
	if err != nil {
		return KeyRecord{}, err
	}

	rec.State = State(state)
	if prevRef.Valid {
		rec.PreviousRef = prevRef.String
	}
	if rotated.Valid {
		t := rotated.Time
		rec.RotatedAt = &t
	}
	if graceExp.Valid {
		t := graceExp.Time
		rec.GraceExpiresAt = &t
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Get returns the record for id.
func (s *PostgresStore) Get(ctx context.Context, id string) (KeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM key_records WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyRecord{}, ErrNotFound
	}
	if err != nil {
		return KeyRecord{}, fmt.Errorf("failed to load key record: %w", err)
	}
	return rec, nil
}

// List returns all records in insertion order.
func (s *PostgresStore) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM key_records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert stores a new record.
func (s *PostgresStore) Insert(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_records
			(id, system_name, system_type, env, display_name, current_ref,
			 previous_ref, state, version, rotated_at, grace_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.SystemName, rec.SystemType, rec.Env, rec.DisplayName, rec.CurrentRef,
		nullString(rec.PreviousRef), string(rec.State), rec.Version,
		nullTime(rec.RotatedAt), nullTime(rec.GraceExpiresAt), rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert key record: %w", err)
	}
	return nil
}

// Commit applies mutate with the version guard enforced by the database:
// the update only lands if the stored version still equals expectedVersion.
func (s *PostgresStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (KeyRecord, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return KeyRecord{}, err
	}
	if cur.Version != expectedVersion {
		return KeyRecord{}, ErrConflict
	}

	next := mutate(cur)
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1

	res, err := s.db.ExecContext(ctx, `
		UPDATE key_records SET
			system_name = $1, system_type = $2, env = $3, display_name = $4,
			current_ref = $5, previous_ref = $6, state = $7, version = $8,
			rotated_at = $9, grace_expires_at = $10
		WHERE id = $11 AND version = $12`,
		next.SystemName, next.SystemType, next.Env, next.DisplayName,
		next.CurrentRef, nullString(next.PreviousRef), string(next.State), next.Version,
		nullTime(next.RotatedAt), nullTime(next.GraceExpiresAt),
		id, expectedVersion)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("failed to commit key record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return KeyRecord{}, fmt.Errorf("failed to read commit result: %w", err)
	}
	if affected == 0 {
		// Lost the race after our read; the caller decides whether to retry.
		return KeyRecord{}, ErrConflict
	}

	return next, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
