// Package store is the relational persistence layer of the orchestration
// server. Every multi-step change that other processes may race on uses a
// conditional update followed by a re-read, never an in-process lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"novelty-server/internal/db"

	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrLostClaim          = errors.New("store: trial is no longer claimed by this worker")
	ErrDatasetLockTimeout = errors.New("store: timed out waiting for dataset lock")
)

type Options struct {
	ReconnectInterval time.Duration
	// how long AppendLiveEpisode waits for a dataset lock
	DatasetLockWait time.Duration
	// a dataset lock older than this may be taken over
	DatasetLockStale time.Duration
}

type Store struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

func New(gdb *gorm.DB, opts Options) *Store {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if opts.DatasetLockWait <= 0 {
		opts.DatasetLockWait = 30 * time.Second
	}
	if opts.DatasetLockStale <= 0 {
		opts.DatasetLockStale = 10 * time.Second
	}
	return &Store{
		db:   gdb,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the connection for packages that issue their own conditional updates.
func (s *Store) DB() *gorm.DB { return s.db }

// Now is the store clock; all persisted timestamps are UTC.
func (s *Store) Now() time.Time { return s.now() }

// SetClock replaces the clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Check maps gorm errors onto store errors. A lost connection blocks until the
// store answers again; the failed statement is not retried here.
func (s *Store) Check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if db.IsTransient(err) {
		slog.Warn("store connection lost, reconnecting", "error", err)
		if rerr := db.WaitForConnection(ctx, s.db, s.opts.ReconnectInterval); rerr != nil {
			return fmt.Errorf("%w (reconnect: %v)", err, rerr)
		}
	}
	return err
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Ping checks that the store answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
