package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically drains sessions that have been idle longer than the
// configured TTL. A zero TTL disables sweeping entirely.
type Janitor struct {
	cron    *cron.Cron
	manager *Manager
	ttl     time.Duration
	logger  *slog.Logger
}

// NewJanitor creates a janitor on the given cron schedule (standard cron
// syntax or descriptors like "@every 1m").
func NewJanitor(m *Manager, schedule string, ttl time.Duration, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		manager: m,
		ttl:     ttl,
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the scheduled sweeps. No-op when the TTL is zero.
func (j *Janitor) Start() {
	if j.ttl <= 0 {
		j.logger.Info("session janitor disabled: idle ttl is zero")
		return
	}
	j.cron.Start()
	j.logger.Info("session janitor started", "idle_ttl", j.ttl)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	if swept := j.manager.SweepIdle(context.Background(), j.ttl); len(swept) > 0 {
		j.logger.Info("idle sweep complete", "sessions", swept)
	}
}
