// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The credential_records table uses a composite primary key
// (namespace, kind, id) that mirrors the key space used by the BBolt and
// in-memory backends. Envelope fields are stored as individual columns so
// nonce and ciphertext land in native BYTEA storage.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoposter/console/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertSQL = `INSERT INTO credential_records (namespace, kind, id, ver, scheme, nonce, ciphertext, version)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	 ON CONFLICT (namespace, kind, id)
	 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8, updated_at = now()`

const selectSQL = `SELECT ver, scheme, nonce, ciphertext, version
	 FROM credential_records WHERE namespace = $1 AND kind = $2 AND id = $3`

const deleteSQL = `DELETE FROM credential_records WHERE namespace = $1 AND kind = $2 AND id = $3`

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Put(namespace, kind, id string, envelope *storage.Envelope) error {
	return putIn(context.Background(), s.pool, namespace, kind, id, envelope)
}

func (s *Store) Get(namespace, kind, id string) (*storage.Envelope, error) {
	return getIn(context.Background(), s.pool, namespace, kind, id)
}

func (s *Store) List(namespace, kind string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT id FROM credential_records WHERE namespace = $1 AND kind = $2 ORDER BY id`,
		namespace, kind)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(namespace, kind, id string) error {
	return deleteIn(context.Background(), s.pool, namespace, kind, id)
}

func (s *Store) PutCAS(namespace, kind, id string, expectedVersion uint64, envelope *storage.Envelope) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, kind, id, expectedVersion, envelope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(kind, id string) (*storage.Envelope, error) {
	return getIn(btx.ctx, btx.tx, btx.namespace, kind, id)
}

func (btx *pgBatchTx) Put(kind, id string, envelope *storage.Envelope) error {
	return putIn(btx.ctx, btx.tx, btx.namespace, kind, id, envelope)
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, kind, id, expectedVersion, envelope)
}

func (btx *pgBatchTx) Delete(kind, id string) error {
	return deleteIn(btx.ctx, btx.tx, btx.namespace, kind, id)
}

func putIn(ctx context.Context, q execer, namespace, kind, id string, envelope *storage.Envelope) error {
	_, err := q.Exec(ctx, upsertSQL,
		namespace, kind, id,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, int64(envelope.Version))
	return err
}

func getIn(ctx context.Context, q execer, namespace, kind, id string) (*storage.Envelope, error) {
	var env storage.Envelope
	var version int64
	err := q.QueryRow(ctx, selectSQL, namespace, kind, id).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, q, namespace, kind, id)
	}
	if err != nil {
		return nil, err
	}
	env.Version = uint64(version)
	return &env, nil
}

func deleteIn(ctx context.Context, q execer, namespace, kind, id string) error {
	tag, err := q.Exec(ctx, deleteSQL, namespace, kind, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, q, namespace, kind, id)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// The row lock taken by FOR UPDATE serialises concurrent swaps of one record.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, kind, id string, expectedVersion uint64, envelope *storage.Envelope) error {
	var current int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM credential_records
		 WHERE namespace = $1 AND kind = $2 AND id = $3
		 FOR UPDATE`,
		namespace, kind, id).Scan(&current)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO credential_records (namespace, kind, id, ver, scheme, nonce, ciphertext, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			namespace, kind, id,
			envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext, int64(envelope.Version))
		return err
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(current) != expectedVersion {
		return storage.ErrCASFailed
	}
	return putIn(ctx, tx, namespace, kind, id, envelope)
}

// notFoundError distinguishes a missing namespace from a missing record
// within an existing namespace, matching the other backends.
func notFoundError(ctx context.Context, q execer, namespace, kind, id string) error {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credential_records WHERE namespace = $1 LIMIT 1)`,
		namespace).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking namespace %s: %w", namespace, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
}
