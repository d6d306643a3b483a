package storage

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mediaforged/pkg/logger"
)

// Janitor periodically expires old terminal job records and their stored
// logs. Jobs still pending or running are never touched.
type Janitor struct {
	store JobStore
	logs  LogStore
	age   time.Duration
	cron  *cron.Cron
	log   *zap.Logger
}

// NewJanitor creates a retention sweeper keeping terminal records for age.
func NewJanitor(store JobStore, logs LogStore, age time.Duration) *Janitor {
	return &Janitor{
		store: store,
		logs:  logs,
		age:   age,
		cron:  cron.New(),
		log:   logger.WithFields(zap.String("component", "janitor")),
	}
}

// Start schedules the hourly sweep.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := j.Sweep(ctx); err != nil {
			j.log.Error("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes terminal records and logs older than the retention window.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-j.age)

	purged, err := j.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if purged > 0 {
		j.log.Info("purged expired job records", zap.Int64("count", purged))
	}

	if j.logs != nil {
		if err := j.logs.Purge(ctx, cutoff); err != nil {
			return err
		}
	}
	return nil
}
