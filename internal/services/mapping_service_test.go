package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingResolve(t *testing.T) {
	mappingColumns := []string{
		"account_id", "account_name", "account_number", "account_type", "is_bank_account", "exclude_from_cash_balances",
	}

	t.Run("cache miss loads and caches", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		client, redisMock := redismock.NewClientMock()

		svc := NewMappingService(db, client)

		redisMock.ExpectGet("glmap:org-1:rent-income").RedisNil()
		mock.ExpectQuery("SELECT (.+) FROM gl_account_mappings").
			WithArgs("org-1", "rent-income").
			WillReturnRows(sqlmock.NewRows(mappingColumns).
				AddRow("gl-income", "Rent Income", "4000", "INCOME", false, false))

		cached, err := json.Marshal(rentIncome)
		require.NoError(t, err)
		redisMock.ExpectSet("glmap:org-1:rent-income", cached, 5*time.Minute).SetVal("OK")

		account, err := svc.Resolve(context.Background(), "org-1", "rent-income")
		require.NoError(t, err)
		assert.Equal(t, rentIncome, account)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("cache hit skips the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		client, redisMock := redismock.NewClientMock()

		svc := NewMappingService(db, client)

		cached, err := json.Marshal(rentIncome)
		require.NoError(t, err)
		redisMock.ExpectGet("glmap:org-1:rent-income").SetVal(string(cached))

		account, err := svc.Resolve(context.Background(), "org-1", "rent-income")
		require.NoError(t, err)
		assert.Equal(t, rentIncome, account)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown role", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		svc := NewMappingService(db, nil)
		mock.ExpectQuery("SELECT (.+) FROM gl_account_mappings").
			WithArgs("org-1", "late-fee-income").
			WillReturnRows(sqlmock.NewRows(mappingColumns))

		_, err = svc.Resolve(context.Background(), "org-1", "late-fee-income")
		assert.ErrorIs(t, err, ErrMappingNotFound)
	})
}
