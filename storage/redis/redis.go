// Package redis implements storage.Repository on top of Redis.
//
// Each collection is a single hash keyed "<prefix>:<collection>" whose
// fields are "recordType:recordID" and whose values are JSON-encoded
// storage.Record documents. Keeping a collection in one key lets Batch use
// WATCH/MULTI on exactly one key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironguard/storage"
)

// DefaultKeyPrefix is prepended to every collection key.
const DefaultKeyPrefix = "ironguard"

// Optimistic retries when a watched collection is modified concurrently.
// Every lost round means another writer committed, so contention drains.
const (
	maxBatchAttempts = 200
	maxBatchBackoff  = 20 * time.Millisecond
)

// Store implements storage.Repository backed by Redis hashes.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewRepository returns a Repository using client.
func NewRepository(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hashKey(collection string) string {
	return s.prefix + ":" + collection
}

func fieldName(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (s *Store) Put(ctx context.Context, collection, recordType, recordID string, record *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.hashKey(collection), fieldName(recordType, recordID), data).Err(); err != nil {
		return fmt.Errorf("redis: put %s/%s: %w", recordType, recordID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, recordType, recordID string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return getRecord(ctx, s.client, s.hashKey(collection), recordType, recordID)
}

func (s *Store) List(ctx context.Context, collection, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields, err := s.client.HKeys(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s: %w", recordType, err)
	}
	var ids []string
	prefix := recordType + ":"
	for _, f := range fields {
		if id, ok := strings.CutPrefix(f, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, collection, recordType, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.client.HDel(ctx, s.hashKey(collection), fieldName(recordType, recordID)).Result()
	if err != nil {
		return fmt.Errorf("redis: delete %s/%s: %w", recordType, recordID, err)
	}
	if n == 0 {
		return notFound(recordType, recordID)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, collection, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.Batch(ctx, collection, func(tx storage.BatchTx) error {
		return tx.PutCAS(recordType, recordID, expectedVersion, record)
	})
}

// Batch runs fn against a buffered view of the collection and applies the
// buffered writes in a single MULTI/EXEC guarded by WATCH. If another client
// modifies the collection first, fn is re-run after a jittered backoff until
// ctx is done; after maxBatchAttempts the batch fails with
// storage.ErrConflict.
func (s *Store) Batch(ctx context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := s.hashKey(collection)
	for attempt := range maxBatchAttempts {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			btx := &redisBatchTx{ctx: ctx, rtx: rtx, key: key, pending: make(map[string]*storage.Record)}
			if err := fn(btx); err != nil {
				return err
			}
			if len(btx.order) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, field := range btx.order {
					rec := btx.pending[field]
					if rec == nil {
						p.HDel(ctx, key, field)
						continue
					}
					data, err := json.Marshal(rec)
					if err != nil {
						return err
					}
					p.HSet(ctx, key, field, data)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: batch on %s: %w", key, storage.ErrConflict)
}

// sleepBackoff waits a random duration up to an exponentially growing cap.
func sleepBackoff(ctx context.Context, attempt int) error {
	ceiling := min(time.Duration(1<<min(attempt, 10))*100*time.Microsecond, maxBatchBackoff)
	t := time.NewTimer(rand.N(ceiling) + 1)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redisBatchTx buffers writes so that reads within the batch observe them
// before they are sent to the server. A nil pending entry is a deletion.
type redisBatchTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	key     string
	pending map[string]*storage.Record
	order   []string
}

var _ storage.BatchTx = (*redisBatchTx)(nil)

func (b *redisBatchTx) lookup(recordType, recordID string) (*storage.Record, error) {
	field := fieldName(recordType, recordID)
	if rec, ok := b.pending[field]; ok {
		if rec == nil {
			return nil, notFound(recordType, recordID)
		}
		return rec, nil
	}
	return getRecord(b.ctx, b.rtx, b.key, recordType, recordID)
}

func (b *redisBatchTx) stage(recordType, recordID string, rec *storage.Record) {
	field := fieldName(recordType, recordID)
	if _, ok := b.pending[field]; !ok {
		b.order = append(b.order, field)
	}
	b.pending[field] = rec
}

func (b *redisBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	b.stage(recordType, recordID, record.Clone())
	return nil
}

func (b *redisBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := b.lookup(recordType, recordID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || existing.Version != expectedVersion:
		return storage.ErrCASFailed
	}
	b.stage(recordType, recordID, record.Clone())
	return nil
}

func (b *redisBatchTx) Delete(recordType, recordID string) error {
	if _, err := b.lookup(recordType, recordID); err != nil {
		return err
	}
	b.stage(recordType, recordID, nil)
	return nil
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getRecord(ctx context.Context, c hashGetter, key, recordType, recordID string) (*storage.Record, error) {
	data, err := c.HGet(ctx, key, fieldName(recordType, recordID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(recordType, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s/%s: %w", recordType, recordID, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode %s/%s: %w", recordType, recordID, err)
	}
	return &rec, nil
}
