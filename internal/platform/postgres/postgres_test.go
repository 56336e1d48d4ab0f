package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySchema(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE a ()").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE b ()").WillReturnError(errors.New("boom"))

	err = ApplySchema(context.Background(), db, "CREATE TABLE a ()", "CREATE TABLE b ()", "never")
	assert.ErrorContains(t, err, "apply schema 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
