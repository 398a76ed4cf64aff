package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/network"
	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/sirupsen/logrus"
)

// Persistence is the slice of the store the reconciler needs
type Persistence interface {
	ListApps() ([]*api.Application, error)
	GetAppByContainerID(vmid int) (*api.Application, error)
	UpdateStatus(id string, status api.AppStatus, reason string) error
	TouchReconciled(id string, t time.Time) error
}

// Cleaner is the lifecycle engine's soft-cleanup entry point. The
// reconciler never talks to the hypervisor's destroy operations itself.
type Cleaner interface {
	CleanupArtifacts(app *api.Application)
}

// Alerter receives anomalous-orphan events
type Alerter interface {
	Anomaly(detail string)
}

// Reconciler periodically compares desired state (the database) against
// observed state (the hypervisor) and resolves drift. Orphaned containers
// with a record in removing or error state get silent soft cleanup of the
// tool's own bookkeeping; orphans with no record or an active record are
// never destroyed automatically, only alerted and left for an operator.
type Reconciler struct {
	store      Persistence
	hypervisor proxmox.Client
	cleaner    Cleaner
	alerter    Alerter
	logger     *logrus.Logger
	interval   time.Duration
	stopCh     chan struct{}
}

// NewReconciler creates a reconciler
func NewReconciler(st Persistence, hypervisor proxmox.Client, cleaner Cleaner, alerter Alerter, interval time.Duration, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		store:      st,
		hypervisor: hypervisor,
		cleaner:    cleaner,
		alerter:    alerter,
		logger:     logger,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic reconciliation loop. The first pass runs
// immediately.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		if err := r.Reconcile(ctx); err != nil {
			r.logger.WithError(err).Warn("Initial reconciliation failed")
		}

		for {
			select {
			case <-ticker.C:
				if err := r.Reconcile(ctx); err != nil {
					r.logger.WithError(err).Error("Reconciliation failed")
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciliation loop
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// Reconcile runs one pass. Errors from individual records never block the
// rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	containers, err := r.hypervisor.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hypervisor containers: %w", err)
	}

	observed := make(map[int]proxmox.Container, len(containers))
	for _, c := range containers {
		observed[c.VMID] = c
	}

	for _, c := range containers {
		if c.Name == network.ApplianceName {
			continue
		}
		r.reconcileContainer(c)
	}

	apps, err := r.store.ListApps()
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}
	for _, app := range apps {
		r.reconcileApp(app, observed)
	}

	return nil
}

// reconcileContainer classifies one hypervisor-known container
func (r *Reconciler) reconcileContainer(c proxmox.Container) {
	app, err := r.store.GetAppByContainerID(c.VMID)
	if err != nil {
		if err == store.ErrNotFound {
			// anomalous orphan: no record at all. Never destroyed; an
			// operator has to decide.
			detail := fmt.Sprintf("container %d (%s) has no application record", c.VMID, c.Name)
			r.logger.WithField("vmid", c.VMID).WithField("name", c.Name).Error("Anomalous orphan detected")
			if r.alerter != nil {
				r.alerter.Anomaly(detail)
			}
			return
		}
		r.logger.WithError(err).WithField("vmid", c.VMID).Warn("Failed to look up container record")
		return
	}

	switch app.Status {
	case api.AppRemoving, api.AppError:
		// expected orphan: a delete or failed operation left the container
		// behind. Silently reclaim our own bookkeeping; the container is an
		// operator decision.
		r.logger.WithField("app", app.ID).WithField("vmid", c.VMID).Info("Cleaning up artifacts of expected orphan")
		r.cleaner.CleanupArtifacts(app)
	default:
		// matching active record: no drift for this pairing
		if err := r.store.TouchReconciled(app.ID, time.Now().UTC()); err != nil {
			r.logger.WithError(err).WithField("app", app.ID).Warn("Failed to record reconciliation")
		}
	}
}

// reconcileApp flags records whose container has disappeared from the
// hypervisor
func (r *Reconciler) reconcileApp(app *api.Application, observed map[int]proxmox.Container) {
	if app.ContainerID == 0 {
		return
	}
	if _, ok := observed[app.ContainerID]; ok {
		return
	}
	if app.Status != api.AppRunning && app.Status != api.AppStopped {
		return
	}

	reason := fmt.Sprintf("container %d no longer exists on hypervisor", app.ContainerID)
	r.logger.WithField("app", app.ID).Warn("Application container disappeared, marking error")
	if err := r.store.UpdateStatus(app.ID, api.AppError, reason); err != nil {
		r.logger.WithError(err).WithField("app", app.ID).Error("Failed to mark drifted application")
	}
	if r.alerter != nil {
		r.alerter.Anomaly(fmt.Sprintf("application %s: %s", app.ID, reason))
	}
}
