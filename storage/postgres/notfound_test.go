package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/autoposter/console/storage"
)

type stubRow struct {
	exists bool
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.exists
	return nil
}

type stubExecer struct{ row stubRow }

func (s stubExecer) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (s stubExecer) QueryRow(context.Context, string, ...any) pgx.Row {
	return s.row
}

func TestNotFoundError(t *testing.T) {
	ctx := context.Background()

	err := notFoundError(ctx, stubExecer{row: stubRow{exists: true}}, "ns", "TOKEN", "access")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = notFoundError(ctx, stubExecer{row: stubRow{exists: false}}, "ns", "TOKEN", "access")
	if !errors.Is(err, storage.ErrNamespaceNotFound) {
		t.Fatalf("expected ErrNamespaceNotFound, got %v", err)
	}

	connErr := errors.New("conn closed")
	err = notFoundError(ctx, stubExecer{row: stubRow{err: connErr}}, "ns", "TOKEN", "access")
	if !errors.Is(err, connErr) {
		t.Fatalf("expected the query error, got %v", err)
	}
	if errors.Is(err, storage.ErrNamespaceNotFound) || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("a failed query must not look like a missing record: %v", err)
	}
}
