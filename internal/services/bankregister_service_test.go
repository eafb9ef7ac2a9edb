package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentfolio/backend/internal/models"
)

var registerColumns = []string{
	"org_id", "account_id", "transaction_id", "external_transaction_id", "status",
	"session_id", "cleared_at", "cleared_by", "reconciled_at", "reconciled_by", "created_at", "updated_at",
}

var testKey = models.RegisterKey{OrgID: "org-1", AccountID: "gl-bank", TransactionID: "txn-1"}

func registerRow(status models.RegisterStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(registerColumns).
		AddRow("org-1", "gl-bank", "txn-1", "ext-1", status, "", nil, "", nil, "", now, now)
}

func expectGetEntry(mock sqlmock.Sqlmock, status models.RegisterStatus) {
	mock.ExpectQuery("SELECT (.+) FROM bank_register").
		WithArgs("org-1", "gl-bank", "txn-1").
		WillReturnRows(registerRow(status))
}

func registerFixture(t *testing.T) (*BankRegisterService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBankRegisterService(db), mock
}

func TestMarkCleared(t *testing.T) {
	t.Run("from uncleared", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterUncleared)
		mock.ExpectExec("INSERT INTO bank_register").
			WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterCleared,
				"", sqlmock.AnyArg(), "ops@rentfolio", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.MarkCleared(context.Background(), testKey, "ops@rentfolio")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reconciled entries must unreconcile first", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterReconciled)

		err := svc.MarkCleared(context.Background(), testKey, "ops@rentfolio")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUnclear(t *testing.T) {
	t.Run("from cleared", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterCleared)
		mock.ExpectExec("INSERT INTO bank_register").
			WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterUncleared,
				"", nil, "", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.Unclear(context.Background(), testKey)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected from uncleared", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterUncleared)

		err := svc.Unclear(context.Background(), testKey)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rejected from reconciled", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterReconciled)

		err := svc.Unclear(context.Background(), testKey)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestMarkReconciled(t *testing.T) {
	expectOpenSession := func(mock sqlmock.Sqlmock, open bool) {
		mock.ExpectQuery("SELECT open FROM reconciliation_sessions").
			WithArgs("sess-1", "org-1", "gl-bank").
			WillReturnRows(sqlmock.NewRows([]string{"open"}).AddRow(open))
	}

	t.Run("from cleared", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectOpenSession(mock, true)
		expectGetEntry(mock, models.RegisterCleared)
		mock.ExpectExec("INSERT INTO bank_register").
			WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterReconciled,
				"sess-1", nil, "", sqlmock.AnyArg(), "ops@rentfolio", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.MarkReconciled(context.Background(), testKey, "sess-1", "ops@rentfolio")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("uncleared entries are promoted with a clearing stamp", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectOpenSession(mock, true)
		expectGetEntry(mock, models.RegisterUncleared)
		mock.ExpectExec("INSERT INTO bank_register").
			WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterReconciled,
				"sess-1", sqlmock.AnyArg(), "ops@rentfolio", sqlmock.AnyArg(), "ops@rentfolio", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.MarkReconciled(context.Background(), testKey, "sess-1", "ops@rentfolio")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed session", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectOpenSession(mock, false)

		err := svc.MarkReconciled(context.Background(), testKey, "sess-1", "ops@rentfolio")
		assert.ErrorIs(t, err, ErrSessionNotOpen)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc, mock := registerFixture(t)
		mock.ExpectQuery("SELECT open FROM reconciliation_sessions").
			WillReturnRows(sqlmock.NewRows([]string{"open"}))

		err := svc.MarkReconciled(context.Background(), testKey, "sess-1", "ops@rentfolio")
		assert.ErrorIs(t, err, ErrSessionNotOpen)
	})
}

func TestUnreconcile(t *testing.T) {
	t.Run("drops to uncleared and wipes stamps", func(t *testing.T) {
		svc, mock := registerFixture(t)
		now := time.Now()
		mock.ExpectQuery("SELECT (.+) FROM bank_register").
			WillReturnRows(sqlmock.NewRows(registerColumns).
				AddRow("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterReconciled,
					"sess-1", now, "ops@rentfolio", now, "ops@rentfolio", now, now))
		mock.ExpectExec("INSERT INTO bank_register").
			WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterUncleared,
				"", nil, "", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.Unreconcile(context.Background(), testKey)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected from cleared", func(t *testing.T) {
		svc, mock := registerFixture(t)
		expectGetEntry(mock, models.RegisterCleared)

		err := svc.Unreconcile(context.Background(), testKey)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSessions(t *testing.T) {
	t.Run("open then finish", func(t *testing.T) {
		svc, mock := registerFixture(t)
		statementAt := date(2026, time.June, 30)
		mock.ExpectExec("INSERT INTO reconciliation_sessions").
			WithArgs(sqlmock.AnyArg(), "org-1", "gl-bank", statementAt, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		session, err := svc.OpenSession(context.Background(), "org-1", "gl-bank", statementAt)
		require.NoError(t, err)
		assert.True(t, session.Open)
		assert.NotEmpty(t, session.ID)

		mock.ExpectExec("UPDATE reconciliation_sessions").
			WithArgs(session.ID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, svc.FinishSession(context.Background(), session.ID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("finishing a closed session fails", func(t *testing.T) {
		svc, mock := registerFixture(t)
		mock.ExpectExec("UPDATE reconciliation_sessions").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := svc.FinishSession(context.Background(), "sess-9")
		assert.ErrorIs(t, err, ErrSessionNotOpen)
	})
}

func TestUpsert_DefaultsToUncleared(t *testing.T) {
	svc, mock := registerFixture(t)
	mock.ExpectExec("INSERT INTO bank_register").
		WithArgs("org-1", "gl-bank", "txn-1", "ext-1", models.RegisterUncleared,
			"", nil, "", nil, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.Upsert(context.Background(), models.BankRegisterEntry{
		RegisterKey:           testKey,
		ExternalTransactionID: "ext-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
