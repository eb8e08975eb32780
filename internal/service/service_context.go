package service

import (
	"novelty-server/internal/config"
	"novelty-server/internal/lock"
	"novelty-server/internal/observability"
	"novelty-server/internal/store"

	"gorm.io/gorm"
)

// ServiceContext holds the store-backed services shared by the admin API,
// the broker sessions and the CLI commands.
type ServiceContext struct {
	Config  *config.Config
	Store   *store.Store
	Locks   *lock.Manager
	Sweeper *lock.Sweeper
	Metrics *observability.Metrics
}

func NewServiceContext(cfg *config.Config, gdb *gorm.DB, metrics *observability.Metrics) *ServiceContext {
	s := store.New(gdb, store.Options{
		ReconnectInterval: cfg.Database.ReconnectInterval,
		DatasetLockWait:   cfg.DatasetLock.Wait,
		DatasetLockStale:  cfg.DatasetLock.StaleAfter,
	})
	locks := lock.NewManager(s, lock.Options{
		Budget:       cfg.Experiment.ClaimBudget,
		MaxJitter:    cfg.Experiment.ClaimMaxJitter,
		AbandonAfter: cfg.Experiment.AbandonAfter,
	}, metrics)

	return &ServiceContext{
		Config:  cfg,
		Store:   s,
		Locks:   locks,
		Sweeper: lock.NewSweeper(locks, cfg.Experiment.SweepInterval),
		Metrics: metrics,
	}
}
