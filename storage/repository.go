// Package storage provides the document repository abstraction that backs
// account records.
//
// Records are addressed by (collection, recordType, recordID). A collection
// groups the records of one logical store (for example "accounts"); the
// record type separates documents from secondary index entries within it.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrConflict is returned when a batch could not be applied because of
	// concurrent writes to the same collection. Unlike ErrCASFailed it says
	// nothing about the records the batch checked; the caller may retry.
	ErrConflict = errors.New("concurrent modification")
)

// Record is an opaque stored document together with its version.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides writes within an atomic transaction.
// The collection is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, record *Record) error
	// PutCAS writes record only if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the record must not exist yet.
	PutCAS(recordType string, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for document storage.
type Repository interface {
	Put(ctx context.Context, collection, recordType, recordID string, record *Record) error
	Get(ctx context.Context, collection, recordType, recordID string) (*Record, error)
	List(ctx context.Context, collection, recordType string) ([]string, error)
	Delete(ctx context.Context, collection, recordType, recordID string) error
	PutCAS(ctx context.Context, collection, recordType, recordID string, expectedVersion uint64, record *Record) error
	// Batch runs fn atomically. If fn returns an error, none of its writes
	// are applied.
	Batch(ctx context.Context, collection string, fn func(tx BatchTx) error) error
}
