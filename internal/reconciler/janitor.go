package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/sirupsen/logrus"
)

// JanitorStore is the slice of the store the janitor needs
type JanitorStore interface {
	ListAppsByStatus(statuses ...api.AppStatus) ([]*api.Application, error)
	UpdateStatus(id string, status api.AppStatus, reason string) error
}

// Janitor periodically detects applications stuck in a transitional state
// longer than the configured timeout and marks them as errored. It never
// calls any destroy operation; cleanup of the now-errored application is
// left to an operator retry or a later reconciler pass, so two background
// processes never race on the same resource.
type Janitor struct {
	store    JanitorStore
	timeout  time.Duration
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

// NewJanitor creates a janitor
func NewJanitor(st JanitorStore, timeout, interval time.Duration, logger *logrus.Logger) *Janitor {
	return &Janitor{
		store:    st,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic scan
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := j.Sweep(); err != nil {
					j.logger.WithError(err).Error("Janitor sweep failed")
				}
			case <-j.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the janitor
func (j *Janitor) Stop() {
	close(j.stopCh)
}

// Sweep runs one scan over all transitional applications
func (j *Janitor) Sweep() error {
	apps, err := j.store.ListAppsByStatus(
		api.AppDeploying, api.AppRemoving, api.AppCloning, api.AppUpdating, api.AppAdopting,
	)
	if err != nil {
		return fmt.Errorf("failed to list transitional apps: %w", err)
	}

	now := time.Now().UTC()
	for _, app := range apps {
		stuck := now.Sub(app.UpdatedAt)
		if stuck < j.timeout {
			continue
		}

		reason := fmt.Sprintf("operation timeout: stuck in %s for %s", app.Status, stuck.Round(time.Second))
		j.logger.WithField("app", app.ID).WithField("status", app.Status).Warn("Timing out stuck operation")
		if err := j.store.UpdateStatus(app.ID, api.AppError, reason); err != nil {
			j.logger.WithError(err).WithField("app", app.ID).Error("Failed to time out application")
		}
	}
	return nil
}
