package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autoposter/console/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AUTOPOSTER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTOPOSTER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	pool.Exec(ctx, "DELETE FROM credential_records") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM credential_records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	s := newTestStore(t)

	namespace := "default"
	kind := "TOKEN"
	id := "access"
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("cipher")}

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put(namespace, kind, id, env); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get(namespace, kind, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Scheme != env.Scheme {
			t.Errorf("expected scheme %q, got %q", env.Scheme, got.Scheme)
		}
		if string(got.Ciphertext) != string(env.Ciphertext) {
			t.Errorf("expected ciphertext %q, got %q", env.Ciphertext, got.Ciphertext)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(namespace, kind, "refresh", env) //nolint:errcheck
		ids, err := s.List(namespace, kind)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %d", len(ids))
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		envV1 := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("v1"), Version: 1}
		envV2 := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("v2"), Version: 2}

		if err := s.PutCAS(namespace, kind, "cas", 0, envV1); err != nil {
			t.Fatalf("PutCAS (new) failed: %v", err)
		}
		if err := s.PutCAS(namespace, kind, "cas", 0, envV1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
		if err := s.PutCAS(namespace, kind, "cas", 1, envV2); err != nil {
			t.Fatalf("PutCAS (version match) failed: %v", err)
		}
		if err := s.PutCAS(namespace, kind, "cas", 1, envV2); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		if err := s.PutCAS(namespace, kind, "cas-missing", 1, envV1); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed for missing record, got %v", err)
		}

		got, _ := s.Get(namespace, kind, "cas")
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("Get Errors", func(t *testing.T) {
		_, err := s.Get("nonexistent-namespace", kind, id)
		if !errors.Is(err, storage.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}

		_, err = s.Get(namespace, kind, "nonexistent-record")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s.Put(namespace, kind, "del1", env) //nolint:errcheck

		if err := s.Delete(namespace, kind, "del1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(namespace, kind, "del1"); err == nil {
			t.Error("expected error after delete")
		}
		if err := s.Delete(namespace, kind, "del1"); err == nil {
			t.Error("expected error deleting nonexistent record")
		}
	})
}

func TestPostgresBatch(t *testing.T) {
	s := newTestStore(t)
	namespace := "default"

	t.Run("atomic batch write", func(t *testing.T) {
		env1 := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("a")}
		env2 := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: make([]byte, 12), Ciphertext: []byte("b"), Version: 1}

		err := s.Batch(namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("TOKEN", "access", env1); err != nil {
				return err
			}
			if err := tx.PutCAS("TOKEN", "refresh", 0, env2); err != nil {
				return err
			}
			_, err := tx.Get("TOKEN", "refresh")
			return err
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		got1, err := s.Get(namespace, "TOKEN", "access")
		if err != nil {
			t.Fatalf("Get access failed: %v", err)
		}
		if string(got1.Ciphertext) != "a" {
			t.Errorf("expected ciphertext 'a', got %q", string(got1.Ciphertext))
		}
	})

	t.Run("batch rollback on error", func(t *testing.T) {
		env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Ciphertext: []byte("should-not-exist")}

		err := s.Batch(namespace, func(tx storage.BatchTx) error {
			tx.Put("TOKEN", "rollback-test", env) //nolint:errcheck
			return storage.ErrCASFailed
		})
		if err != storage.ErrCASFailed {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}

		if _, err := s.Get(namespace, "TOKEN", "rollback-test"); err == nil {
			t.Error("expected record to not exist after rollback")
		}
	})

	t.Run("batch delete", func(t *testing.T) {
		err := s.Batch(namespace, func(tx storage.BatchTx) error {
			return tx.Delete("TOKEN", "access")
		})
		if err != nil {
			t.Fatalf("Batch delete failed: %v", err)
		}
		if _, err := s.Get(namespace, "TOKEN", "access"); err == nil {
			t.Error("expected record to not exist after batch delete")
		}
	})
}
