// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (collection, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Record data is stored as BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironguard/storage"
)

const upsertSQL = `INSERT INTO records (collection, record_type, record_id, data, version)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (collection, record_type, record_id)
	 DO UPDATE SET data = $4, version = $5`

const deleteSQL = `DELETE FROM records WHERE collection = $1 AND record_type = $2 AND record_id = $3`

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

func (s *Store) Put(ctx context.Context, collection, recordType, recordID string, record *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, collection, recordType, recordID, dataOf(record), int64(record.Version))
	return err
}

func (s *Store) Get(ctx context.Context, collection, recordType, recordID string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM records
		 WHERE collection = $1 AND record_type = $2 AND record_id = $3`,
		collection, recordType, recordID).Scan(&rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, collection, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE collection = $1 AND record_type = $2`,
		collection, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, collection, recordType, recordID string) error {
	return deleteWith(ctx, s.pool, collection, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, collection, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := putCASInTx(ctx, tx, collection, recordType, recordID, expectedVersion, record); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	btx := &pgBatchTx{ctx: ctx, tx: pgTx, collection: collection}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// pgBatchTx carries the context of the enclosing Batch call because the
// BatchTx methods do not take one.
type pgBatchTx struct {
	ctx        context.Context
	tx         pgx.Tx
	collection string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, btx.collection, recordType, recordID, dataOf(record), int64(record.Version))
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.collection, recordType, recordID, expectedVersion, record)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteWith(btx.ctx, btx.tx, btx.collection, recordType, recordID)
}

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func deleteWith(ctx context.Context, e execer, collection, recordType, recordID string) error {
	tag, err := e.Exec(ctx, deleteSQL, collection, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, collection, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE collection = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		collection, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING covers a concurrent insert of the same key.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (collection, record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (collection, record_type, record_id) DO NOTHING`,
			collection, recordType, recordID, dataOf(record), int64(record.Version))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $4, version = $5
		 WHERE collection = $1 AND record_type = $2 AND record_id = $3`,
		collection, recordType, recordID, dataOf(record), int64(record.Version))
	return err
}

// dataOf keeps NOT NULL satisfied for empty records.
func dataOf(record *storage.Record) []byte {
	if record.Data == nil {
		return []byte{}
	}
	return record.Data
}
