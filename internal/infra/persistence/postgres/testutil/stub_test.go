package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubDBRecordsStatements(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	require.NoError(t, db.PingContext(ctx))
	_, err := db.ExecContext(ctx, "CREATE TABLE t (id TEXT)")
	require.NoError(t, err)
	assert.Equal(t, []string{"CREATE TABLE t (id TEXT)"}, conn.Statements())

	conn.ExecErr = errors.New("boom")
	_, err = db.ExecContext(ctx, "SELECT 1")
	assert.Error(t, err)
	conn.FailPing = true
	assert.Error(t, conn.Ping(ctx))
}
