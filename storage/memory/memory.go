// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/ironguard/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(ctx context.Context, collection, recordType, recordID string, record *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(collection, recordType, recordID, record)
	return nil
}

func (r *Repository) putLocked(collection, recordType, recordID string, record *storage.Record) {
	if _, ok := r.data[collection]; !ok {
		r.data[collection] = make(map[string]*storage.Record)
	}
	r.data[collection][makeKey(recordType, recordID)] = record.Clone()
}

func (r *Repository) Get(ctx context.Context, collection, recordType, recordID string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.getLocked(collection, recordType, recordID)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) getLocked(collection, recordType, recordID string) (*storage.Record, bool) {
	rec, ok := r.data[collection][makeKey(recordType, recordID)]
	return rec, ok
}

func (r *Repository) List(ctx context.Context, collection, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[collection] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(ctx context.Context, collection, recordType, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(collection, recordType, recordID)
}

func (r *Repository) deleteLocked(collection, recordType, recordID string) error {
	if _, ok := r.getLocked(collection, recordType, recordID); !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(r.data[collection], makeKey(recordType, recordID))
	return nil
}

func (r *Repository) PutCAS(ctx context.Context, collection, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(collection, recordType, recordID, expectedVersion, record)
}

func (r *Repository) putCASLocked(collection, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, ok := r.getLocked(collection, recordType, recordID)
	switch {
	case !ok && expectedVersion != 0:
		return storage.ErrCASFailed
	case ok && (expectedVersion == 0 || existing.Version != expectedVersion):
		return storage.ErrCASFailed
	}
	r.putLocked(collection, recordType, recordID, record)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(ctx context.Context, collection string, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotCollection(collection)

	tx := &memoryBatchTx{repo: r, collection: collection}
	if err := fn(tx); err != nil {
		r.restoreCollection(collection, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotCollection(collection string) map[string]*storage.Record {
	original, ok := r.data[collection]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreCollection(collection string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, collection)
	} else {
		r.data[collection] = snapshot
	}
}

type memoryBatchTx struct {
	repo       *Repository
	collection string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	tx.repo.putLocked(tx.collection, recordType, recordID, record)
	return nil
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return tx.repo.putCASLocked(tx.collection, recordType, recordID, expectedVersion, record)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.collection, recordType, recordID)
}
