package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}
	store := New(pool, nil)

	called := false
	err := store.WithTx(context.Background(), func(ctx context.Context, tx escrow.Tx) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !called {
		t.Fatalf("expected callback to run")
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	pool := &fakePool{}
	store := New(pool, nil)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx escrow.Tx) error {
		return escrow.ErrInvalidTransition
	})
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
}

func TestWithTx_BeginFailureIsTransient(t *testing.T) {
	pool := &fakePool{beginErr: dialErr()}
	store := New(pool, nil)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx escrow.Tx) error {
		t.Fatalf("callback must not run")
		return nil
	})
	if !escrow.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestWithTx_CommitSerializationFailureIsTransient(t *testing.T) {
	pool := &fakePool{commitErr: &pgconn.PgError{Code: "40001"}}
	store := New(pool, nil)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx escrow.Tx) error { return nil })
	if !escrow.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		conflict  bool
		retryable bool
	}{
		{&pgconn.PgError{Code: "23505"}, true, false},
		{&pgconn.PgError{Code: "23514"}, true, false},
		{&pgconn.PgError{Code: "40P01"}, false, true},
		{&pgconn.PgError{Code: "42P01"}, false, false},
		{fmt.Errorf("wrapped: %w", dialErr()), false, true},
		{context.Canceled, false, false},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		if errors.Is(got, escrow.ErrPersistenceConflict) != tc.conflict {
			t.Errorf("%v: conflict = %v, want %v", tc.err, !tc.conflict, tc.conflict)
		}
		if escrow.Retryable(got) != tc.retryable {
			t.Errorf("%v: retryable = %v, want %v", tc.err, !tc.retryable, tc.retryable)
		}
	}
	if classify(nil) != nil {
		t.Errorf("expected nil for nil")
	}
}

func dialErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

type fakePool struct {
	tx        *fakeTx
	beginErr  error
	commitErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{commitErr: f.commitErr}
	return f.tx, nil
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
	commitErr error
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
