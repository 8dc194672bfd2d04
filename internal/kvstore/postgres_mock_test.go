package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

const (
	lockQuery   = `SELECT pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`
	selectQuery = `(?s)SELECT fields FROM kv_hashes\s+WHERE key = \$1`
	upsertQuery = `(?s)INSERT INTO kv_hashes.*ON CONFLICT \(key\) DO UPDATE`
)

func TestPostgresStore_RetriesDeadlock(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs("acct:1").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs("acct:1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectQuery).WithArgs("acct:1").
		WillReturnRows(sqlmock.NewRows([]string{"fields"}).AddRow([]byte(`{"n":"1"}`)))
	mock.ExpectExec(upsertQuery).WithArgs("acct:1", `{"n":"2"}`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := store.Update(context.Background(), func(tx Txn) error {
		attempts++
		rec, err := tx.GetHash("acct:1")
		if err != nil {
			return err
		}
		if rec["n"] != "1" {
			t.Fatalf("unexpected record: %v", rec)
		}
		tx.SetHash("acct:1", map[string]string{"n": "2"})
		return nil
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_NonRetryableErrorIsReturned(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockQuery).WithArgs("acct:2").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.Update(context.Background(), func(tx Txn) error {
		_, err := tx.GetHash("acct:2")
		return err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("connection errors must not be reported as conflicts: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ExhaustedRetries(t *testing.T) {
	store, mock := newPostgresWithMock(t)
	store.maxRetries = 2

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(lockQuery).WithArgs("acct:3").
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
		mock.ExpectRollback()
	}

	err := store.Update(context.Background(), func(tx Txn) error {
		_, err := tx.GetHash("acct:3")
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
