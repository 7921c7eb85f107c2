package db

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("root:secret@tcp(localhost:3306)/podmanager")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = NormalizeDSN("not a dsn")
	assert.Error(t, err)
}

func TestRunMigrations(t *testing.T) {
	t.Run("creates every table", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS credit_accounts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS credit_history").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchases").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS subscriptions").WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, RunMigrations(db, zerolog.Nop()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS credit_accounts").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS credit_history").WillReturnError(errors.New("boom"))

		err = RunMigrations(db, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "migration 2 failed")
	})
}
