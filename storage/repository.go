// Package storage provides the storage abstraction layer for sealed credential records.
//
// Records are addressed by (namespace, kind, id). A namespace groups the
// records of one signed-in profile so several sessions can share a backend
// without seeing each other's credentials.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when no record exists in a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(kind string, id string) (*Envelope, error)
	Put(kind string, id string, envelope *Envelope) error
	PutCAS(kind string, id string, expectedVersion uint64, envelope *Envelope) error
	Delete(kind string, id string) error
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(namespace string, kind string, id string, envelope *Envelope) error
	Get(namespace string, kind string, id string) (*Envelope, error)
	Delete(namespace string, kind string, id string) error
	List(namespace string, kind string) ([]string, error)
	PutCAS(namespace string, kind string, id string, expectedVersion uint64, envelope *Envelope) error
	// Batch runs fn in a single transaction. If fn returns an error none of
	// its writes are visible.
	Batch(namespace string, fn func(tx BatchTx) error) error
}

// IsMissing reports whether err means the record or its namespace is absent.
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
