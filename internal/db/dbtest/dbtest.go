// Package dbtest opens throwaway in-memory stores for tests.
package dbtest

import (
	"testing"
	"time"

	"novelty-server/internal/config"
	"novelty-server/internal/db"

	"gorm.io/gorm"
)

func New(t testing.TB) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{
		Driver:            "sqlite",
		Path:              ":memory:",
		ReconnectInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}
