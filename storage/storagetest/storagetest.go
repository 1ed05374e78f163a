// Package storagetest holds the conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/jmcleod/ironguard/storage"
)

// Run exercises repo against the storage.Repository contract. The
// repository must be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	const collection = "accounts"
	rec := &storage.Record{Data: []byte(`{"username":"foo"}`), Version: 1}

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, collection, "ACCOUNT", "id1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, collection, "ACCOUNT", "id1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != string(rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned %+v, want %+v", got, rec)
		}

		got.Data[0] = 'X'
		again, _ := repo.Get(ctx, collection, "ACCOUNT", "id1")
		if again.Data[0] == 'X' {
			t.Error("Get must not return shared backing data")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get(ctx, "nonexistent", "ACCOUNT", "id1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing collection, got %v", err)
		}
		if _, err := repo.Get(ctx, collection, "ACCOUNT", "nonexistent"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		if err := repo.Put(ctx, collection, "ACCOUNT", "id2", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Put(ctx, collection, "USERNAME", "foo", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, collection, "ACCOUNT")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		slices.Sort(ids)
		if !slices.Equal(ids, []string{"id1", "id2"}) {
			t.Errorf("List returned %v", ids)
		}
		ids, err = repo.List(ctx, "nonexistent", "ACCOUNT")
		if err != nil || len(ids) != 0 {
			t.Errorf("expected empty list for missing collection, got %v (%v)", ids, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, collection, "ACCOUNT", "id2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, collection, "ACCOUNT", "id2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, collection, "ACCOUNT", "id2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		v1 := &storage.Record{Data: []byte("v1"), Version: 1}
		v2 := &storage.Record{Data: []byte("v2"), Version: 2}

		if err := repo.PutCAS(ctx, collection, "CAS", "r", 0, v1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, collection, "CAS", "r", 0, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(ctx, collection, "CAS", "missing", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed updating a missing record, got %v", err)
		}
		if err := repo.PutCAS(ctx, collection, "CAS", "r", 1, v2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, collection, "CAS", "r", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		got, err := repo.Get(ctx, collection, "CAS", "r")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != "v2" || got.Version != 2 {
			t.Errorf("expected v2 to win, got %+v", got)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		err := repo.Batch(ctx, collection, func(tx storage.BatchTx) error {
			if err := tx.PutCAS("BATCH", "a", 0, rec); err != nil {
				return err
			}
			return tx.Put("BATCH", "b", rec)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		for _, id := range []string{"a", "b"} {
			if _, err := repo.Get(ctx, collection, "BATCH", id); err != nil {
				t.Errorf("record %s should exist after batch: %v", id, err)
			}
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		err := repo.Batch(ctx, collection, func(tx storage.BatchTx) error {
			if err := tx.Put("BATCH", "c", rec); err != nil {
				return err
			}
			if err := tx.Delete("BATCH", "a"); err != nil {
				return err
			}
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Fatal("expected error from Batch, got nil")
		}
		if _, err := repo.Get(ctx, collection, "BATCH", "c"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("record c should not exist after failed batch, got %v", err)
		}
		if _, err := repo.Get(ctx, collection, "BATCH", "a"); err != nil {
			t.Errorf("record a should survive failed batch: %v", err)
		}
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, collection, func(tx storage.BatchTx) error {
			if err := tx.Put("BATCH", "d", rec); err != nil {
				return err
			}
			return tx.PutCAS("BATCH", "a", 0, rec)
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := repo.Get(ctx, collection, "BATCH", "d"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("record d should not exist after CAS conflict, got %v", err)
		}
	})

	t.Run("ConcurrentBatchesOnDistinctRecords", func(t *testing.T) {
		const writers = 32
		const concurrent = "concurrent"
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = repo.Batch(ctx, concurrent, func(tx storage.BatchTx) error {
					if err := tx.PutCAS("INDEX", fmt.Sprintf("name%d", i), 0, rec); err != nil {
						return err
					}
					return tx.PutCAS("DOC", fmt.Sprintf("doc%d", i), 0, rec)
				})
			}()
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Errorf("writer %d: disjoint create-only batch failed: %v", i, err)
			}
		}
		ids, err := repo.List(ctx, concurrent, "DOC")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != writers {
			t.Errorf("expected %d documents, got %d", writers, len(ids))
		}
	})

	t.Run("ConcurrentCreateOfSameRecord", func(t *testing.T) {
		const writers = 16
		const contested = "contested"
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = repo.Batch(ctx, contested, func(tx storage.BatchTx) error {
					return tx.PutCAS("INDEX", "same", 0, rec)
				})
			}()
		}
		wg.Wait()
		won := 0
		for i, err := range errs {
			switch {
			case err == nil:
				won++
			case !errors.Is(err, storage.ErrCASFailed):
				t.Errorf("writer %d: expected ErrCASFailed for losing create, got %v", i, err)
			}
		}
		if won != 1 {
			t.Errorf("expected exactly one create to win, got %d", won)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := repo.Get(cctx, collection, "ACCOUNT", "id1"); err == nil {
			t.Error("expected error from Get with cancelled context")
		}
		if err := repo.Put(cctx, collection, "ACCOUNT", "cancelled", rec); err == nil {
			t.Error("expected error from Put with cancelled context")
		}
		if _, err := repo.Get(ctx, collection, "ACCOUNT", "cancelled"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("cancelled Put must not write, got %v", err)
		}
	})
}
