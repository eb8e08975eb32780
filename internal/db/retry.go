package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// IsTransient reports whether err means the connection to the store was lost
// rather than that the statement itself failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "server has gone away") ||
		strings.Contains(msg, "database is locked")
}

// WaitForConnection blocks until the store answers a ping or ctx ends.
// The failed statement is not re-run; callers retry at their own level.
func WaitForConnection(ctx context.Context, gdb *gorm.DB, interval time.Duration) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("db: reconnect: %w", err)
	}
	for attempt := 1; ; attempt++ {
		err := sqlDB.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("database connection restored", "attempts", attempt)
			}
			return nil
		}
		slog.Warn("database unreachable, retrying", "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, interval); err != nil {
			return fmt.Errorf("db: context cancelled during reconnect: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
