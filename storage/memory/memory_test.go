package memory

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/autoposter/console/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	namespace := "default"
	kind := "TOKEN"
	id := "access"
	env := &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAESGCM,
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte("ciphertext"),
		Version:    1,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		err := repo.Put(namespace, kind, id, env)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(namespace, kind, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if got.Ver != env.Ver || got.Scheme != env.Scheme || !bytes.Equal(got.Nonce, env.Nonce) || !bytes.Equal(got.Ciphertext, env.Ciphertext) || got.Version != env.Version {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		// Test isolation (cloning)
		got.Nonce[0] = 'X'
		got2, _ := repo.Get(namespace, kind, id)
		if got2.Nonce[0] == 'X' {
			t.Error("Memory repository should return clones of envelopes")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", kind, id)
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}

		_, err = repo.Get(namespace, kind, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if !storage.IsMissing(err) {
			t.Error("IsMissing should report a missing record")
		}
	})

	t.Run("List", func(t *testing.T) {
		repo.Put(namespace, "TOKEN", "refresh", env)
		repo.Put(namespace, "IDENTITY", "current", env)

		ids, err := repo.List(namespace, "TOKEN")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("Expected 2 IDs, got %d: %v", len(ids), ids)
		}

		ids, _ = repo.List("nonexistent", "TOKEN")
		if len(ids) != 0 {
			t.Errorf("Expected 0 IDs for nonexistent namespace, got %d", len(ids))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo.Put(namespace, kind, "to-delete", env)
		if err := repo.Delete(namespace, kind, "to-delete"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(namespace, kind, "to-delete"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		env1 := &storage.Envelope{Version: 1}
		env2 := &storage.Envelope{Version: 2}

		// Create-only
		if err := repo.PutCAS(namespace, kind, id, 0, env1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(namespace, kind, id, 0, env1); err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed on second create, got %v", err)
		}

		// Version match update
		if err := repo.PutCAS(namespace, kind, id, 1, env2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}

		// Version mismatch update
		err := repo.PutCAS(namespace, kind, id, 1, env1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Non-zero version on a missing record
		err = repo.PutCAS(namespace, kind, "missing", 4, env1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed for missing record, got %v", err)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := NewRepository()

		// Successful batch
		err := repo.Batch(namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("TOKEN", "access", env); err != nil {
				return err
			}
			return tx.PutCAS("TOKEN", "refresh", 0, env)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		if _, err := repo.Get(namespace, "TOKEN", "access"); err != nil {
			t.Error("Record access should exist after batch")
		}

		// Reads inside a batch see earlier writes of the same batch.
		err = repo.Batch(namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("TOKEN", "scratch", &storage.Envelope{Ver: 9}); err != nil {
				return err
			}
			got, err := tx.Get("TOKEN", "scratch")
			if err != nil {
				return err
			}
			if got.Ver != 9 {
				return fmt.Errorf("read %d inside batch", got.Ver)
			}
			return tx.Delete("TOKEN", "scratch")
		})
		if err != nil {
			t.Fatalf("read-your-writes batch failed: %v", err)
		}

		// Failing batch (rollback)
		err = repo.Batch(namespace, func(tx storage.BatchTx) error {
			tx.Put("TOKEN", "orphan", env)
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("Expected error from Batch, got nil")
		}

		if _, err := repo.Get(namespace, "TOKEN", "orphan"); err == nil {
			t.Error("Record orphan should NOT exist after failed batch")
		}

		// Rollback with pre-existing data
		err = repo.Batch(namespace, func(tx storage.BatchTx) error {
			tx.Put("TOKEN", "access", &storage.Envelope{Ver: 2})
			tx.Delete("TOKEN", "refresh")
			return fmt.Errorf("simulated error")
		})
		got, _ := repo.Get(namespace, "TOKEN", "access")
		if got.Ver != 1 {
			t.Errorf("Expected Ver 1 after rollback, got %d", got.Ver)
		}
		if _, err := repo.Get(namespace, "TOKEN", "refresh"); err != nil {
			t.Errorf("refresh should survive a rolled back delete: %v", err)
		}

		// Rollback of a batch that created the namespace
		_ = repo.Batch("fresh", func(tx storage.BatchTx) error {
			tx.Put("TOKEN", "access", env)
			return fmt.Errorf("simulated error")
		})
		if _, err := repo.Get("fresh", "TOKEN", "access"); !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected namespace to be rolled back, got %v", err)
		}
	})
}
