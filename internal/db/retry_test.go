package db_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"novelty-server/internal/db"
	"novelty-server/internal/db/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, db.IsTransient(nil))
	assert.False(t, db.IsTransient(errors.New("UNIQUE constraint failed")))
	assert.True(t, db.IsTransient(fmt.Errorf("update trial: %w", driver.ErrBadConn)))
	assert.True(t, db.IsTransient(errors.New("dial tcp: connection refused")))
}

func TestWaitForConnectionReturnsOnHealthyStore(t *testing.T) {
	gdb := dbtest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, db.WaitForConnection(ctx, gdb, 10*time.Millisecond))
}

func TestWaitForConnectionHonoursContext(t *testing.T) {
	gdb := dbtest.New(t)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = db.WaitForConnection(ctx, gdb, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
