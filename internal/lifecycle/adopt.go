package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// adoptedTargetPort is the assumed service port of adopted containers
const adoptedTargetPort = 80

// Adopt brings an externally created container under management. The
// hypervisor-reported configuration and runtime status are frozen into the
// adoption snapshot before anything else happens; the snapshot is never
// updated afterwards. The container itself is never mutated.
func (e *Engine) Adopt(ctx context.Context, vmid int, hostname string) (*api.Application, error) {
	if !hostnamePattern.MatchString(hostname) {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("invalid hostname %q", hostname))
	}

	if _, err := e.store.GetAppByContainerID(vmid); err == nil {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("container %d is already managed", vmid))
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("failed to check container: %w", err)
	}
	if _, err := e.store.GetAppByHostname(hostname); err == nil {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("hostname %q is already in use", hostname))
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("failed to check hostname: %w", err)
	}

	// snapshot first, before any further mutation
	var observed *proxmox.Container
	err := e.step(ctx, func(stepCtx context.Context) error {
		var getErr error
		observed, getErr = e.hypervisor.GetContainer(stepCtx, vmid)
		return getErr
	})
	if err != nil {
		return nil, api.WrapError(api.KindProvisioning,
			fmt.Sprintf("container %d not reachable on hypervisor", vmid), err)
	}

	now := time.Now().UTC()
	app := &api.Application{
		ID:          appID("adopted", hostname),
		Hostname:    hostname,
		CatalogID:   "adopted",
		Node:        e.node,
		ContainerID: vmid,
		Status:      api.AppAdopting,
		IsAdopted:   true,
		// the engine did not create the container and cannot know its
		// service port, so the upstream assumes plain http
		TargetPort: adoptedTargetPort,
		AdoptionSnapshot: &api.AdoptionSnapshot{
			CapturedAt:    now,
			RuntimeStatus: string(observed.Status),
			Config:        observed.Config,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateApp(app); err != nil {
		return nil, api.WrapError(api.KindValidation,
			fmt.Sprintf("hostname %q is already in use", hostname), err)
	}

	if err := e.leases.acquire(app.ID); err != nil {
		return nil, err
	}
	defer e.leases.release(app.ID)
	e.recordEvent(app.ID, "adopt", fmt.Sprintf("adopting container %d", vmid))

	handle, err := e.network.Ensure(ctx)
	if err != nil {
		return nil, e.rollbackAdopt(app, "adoption cancelled while ensuring network")
	}
	app.BridgeName = handle.BridgeName

	public, internal, err := e.ports.Allocate()
	if err != nil {
		e.markError(app.ID, "port pool exhausted")
		return nil, err
	}
	app.PublicPort = public
	app.InternalPort = internal

	if observed.Status == proxmox.StatusRunning {
		app.Status = api.AppRunning
	} else {
		app.Status = api.AppStopped
	}
	app.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveApp(app); err != nil {
		return nil, e.rollbackAdopt(app, fmt.Sprintf("failed to persist adoption: %v", err))
	}

	if err := e.reapplyRoutes(); err != nil {
		return nil, e.rollbackAdopt(app, fmt.Sprintf("route apply failed: %v", err))
	}

	e.recordEvent(app.ID, "adopted", fmt.Sprintf("container %d adopted as %q", vmid, hostname))
	return app, nil
}

// rollbackAdopt undoes a failed adoption without ever touching the
// container, which the engine does not own
func (e *Engine) rollbackAdopt(app *api.Application, reason string) error {
	if app.PublicPort != 0 {
		e.ports.Release(app.PublicPort, app.InternalPort)
		app.PublicPort = 0
		app.InternalPort = 0
	}
	if err := e.store.SaveApp(app); err != nil {
		e.logger.WithError(err).WithField("app", app.ID).Error("Failed to persist adoption rollback")
	}
	e.markError(app.ID, reason)
	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).Warn("Failed to reapply routes after adoption rollback")
	}
	return api.NewError(api.KindProvisioning, reason)
}
