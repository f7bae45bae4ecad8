package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), testLogger()), mock
}

func TestPostgresStore_Ensure(t *testing.T) {
	t.Run("existing row", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT balance FROM credit_balances").WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(7))

		balance, err := store.Ensure(context.Background(), "acct-1")

		require.NoError(t, err)
		assert.Equal(t, int64(7), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first read creates a zero row", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT balance FROM credit_balances").WithArgs("acct-new").WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO credit_balances").WithArgs("acct-new").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT balance FROM credit_balances").WithArgs("acct-new").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0))

		balance, err := store.Ensure(context.Background(), "acct-new")

		require.NoError(t, err)
		assert.Zero(t, balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	tests := []struct {
		name string
		rows int64
		want bool
	}{
		{name: "balance unchanged since read", rows: 1, want: true},
		{name: "concurrent writer got there first", rows: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec("UPDATE credit_balances").WithArgs(int64(3), "acct-1", int64(5)).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			swapped, err := store.CompareAndSwap(context.Background(), "acct-1", 5, 3)

			require.NoError(t, err)
			assert.Equal(t, tt.want, swapped)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Increment(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO credit_balances").WithArgs("acct-1", int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(9))

	balance, err := store.Increment(context.Background(), "acct-1", 4)

	require.NoError(t, err)
	assert.Equal(t, int64(9), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPurchase(t *testing.T) {
	t.Run("new event credits the balance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO payment_events").WithArgs("evt_1", "acct-1", int64(20)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO credit_balances").WithArgs("acct-1", int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(23))
		mock.ExpectCommit()

		applied, balance, err := store.RecordPurchase(context.Background(), "evt_1", "acct-1", 20)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, int64(23), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed event changes nothing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO payment_events").WithArgs("evt_1", "acct-1", int64(20)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		applied, _, err := store.RecordPurchase(context.Background(), "evt_1", "acct-1", 20)

		require.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
