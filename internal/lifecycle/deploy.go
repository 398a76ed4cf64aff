package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/catalog"
	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// Deploy turns a catalog entry into a running, routed container. Validation
// failures are rejected synchronously before any resource is reserved; every
// later failure rolls back partially-created resources before surfacing.
func (e *Engine) Deploy(ctx context.Context, req api.DeployRequest) (*api.Application, error) {
	entry, err := e.validateDeploy(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	app := &api.Application{
		ID:        appID(req.CatalogID, req.Hostname),
		Hostname:  req.Hostname,
		CatalogID: req.CatalogID,
		Node:      e.node,
		Status:    api.AppRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateApp(app); err != nil {
		// the insert-only create closes the validation race: a concurrent
		// deployment of the same hostname errors here instead of
		// overwriting the record the winner is already working on
		return nil, api.WrapError(api.KindValidation,
			fmt.Sprintf("hostname %q is already in use", req.Hostname), err)
	}

	if err := e.leases.acquire(app.ID); err != nil {
		return nil, err
	}
	defer e.leases.release(app.ID)

	ok, err := e.store.CompareAndSwapStatus(app.ID, api.AppDeploying, api.AppRequested)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, api.NewError(api.KindOperationInProgress, "another operation is in progress for "+app.ID)
	}
	app.Status = api.AppDeploying
	e.recordEvent(app.ID, "deploy", fmt.Sprintf("deploying %s as %q", req.CatalogID, req.Hostname))

	if err := e.provision(ctx, app, entry, req.Env); err != nil {
		return nil, err
	}
	return app, nil
}

func (e *Engine) validateDeploy(req api.DeployRequest) (*catalog.Entry, error) {
	if !hostnamePattern.MatchString(req.Hostname) {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("invalid hostname %q", req.Hostname))
	}

	entry, err := e.catalog.Get(req.CatalogID)
	if err != nil {
		return nil, api.WrapError(api.KindValidation, "unknown catalog entry "+req.CatalogID, err)
	}

	if _, err := e.store.GetAppByHostname(req.Hostname); err == nil {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("hostname %q is already in use", req.Hostname))
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("failed to check hostname: %w", err)
	}

	return entry, nil
}

// Retry re-runs provisioning for an application stuck in the error state
func (e *Engine) Retry(ctx context.Context, id string) (*api.Application, error) {
	app, err := e.store.GetApp(id)
	if err != nil {
		return nil, err
	}

	entry, err := e.catalog.Get(app.CatalogID)
	if err != nil {
		return nil, api.WrapError(api.KindValidation, "unknown catalog entry "+app.CatalogID, err)
	}

	if err := e.leases.acquire(id); err != nil {
		return nil, err
	}
	defer e.leases.release(id)

	ok, err := e.store.CompareAndSwapStatus(id, api.AppDeploying, api.AppError)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, api.NewError(api.KindValidation, "only applications in the error state can be retried")
	}
	app.Status = api.AppDeploying
	app.ErrorReason = ""
	e.recordEvent(id, "retry", "manual retry after error")

	if err := e.provision(ctx, app, entry, nil); err != nil {
		return nil, err
	}
	return app, nil
}

// provision runs the deployment sequence for an app already holding the
// lease and the Deploying status: network fabric, ports, container, routes.
// A cancellation signal is honored at each step boundary and triggers the
// same rollback as a failure.
func (e *Engine) provision(ctx context.Context, app *api.Application, entry *catalog.Entry, extraEnv map[string]string) error {
	handle, err := e.network.Ensure(ctx)
	if err != nil {
		return e.rollback(app, 0, "deployment cancelled while ensuring network")
	}
	app.BridgeName = handle.BridgeName
	app.TargetPort = entry.DefaultPort

	if app.PublicPort == 0 {
		public, internal, err := e.ports.Allocate()
		if err != nil {
			e.markError(app.ID, "port pool exhausted")
			return err
		}
		app.PublicPort = public
		app.InternalPort = internal
	}
	if err := e.store.SaveApp(app); err != nil {
		return e.rollback(app, 0, fmt.Sprintf("failed to persist port reservation: %v", err))
	}

	// pre-provision boundary
	if ctx.Err() != nil {
		return e.rollback(app, 0, "deployment cancelled before provisioning")
	}

	createdVMID := 0
	if app.ContainerID == 0 {
		var vmid int
		err := e.step(ctx, func(stepCtx context.Context) error {
			var nextErr error
			vmid, nextErr = e.hypervisor.NextID(stepCtx)
			return nextErr
		})
		if err != nil {
			return e.rollback(app, 0, fmt.Sprintf("failed to reserve container id: %v", err))
		}

		env := make(map[string]string, len(entry.Env)+len(extraEnv))
		for k, v := range entry.Env {
			env[k] = v
		}
		for k, v := range extraEnv {
			env[k] = v
		}

		err = e.step(ctx, func(stepCtx context.Context) error {
			_, createErr := e.hypervisor.CreateContainer(stepCtx, proxmox.CreateRequest{
				VMID:         vmid,
				Hostname:     app.Hostname,
				Image:        entry.Image,
				Bridge:       handle.BridgeName,
				IPConfig:     "dhcp",
				MemoryMB:     entry.MemoryMB,
				Cores:        entry.Cores,
				DiskGB:       entry.DiskGB,
				Unprivileged: entry.Unprivileged,
				Volumes:      entry.Volumes,
				Env:          env,
			})
			return createErr
		})
		if err != nil {
			return e.rollback(app, 0, fmt.Sprintf("failed to create container: %v", err))
		}
		createdVMID = vmid
		app.ContainerID = vmid
		if err := e.store.SaveApp(app); err != nil {
			return e.rollback(app, createdVMID, fmt.Sprintf("failed to persist container id: %v", err))
		}
	}

	err = e.step(ctx, func(stepCtx context.Context) error {
		return e.hypervisor.StartContainer(stepCtx, app.ContainerID)
	})
	if err != nil {
		return e.rollback(app, createdVMID, fmt.Sprintf("failed to start container: %v", err))
	}

	// post-provision boundary
	if ctx.Err() != nil {
		return e.rollback(app, createdVMID, "deployment cancelled after provisioning")
	}

	app.Status = api.AppRunning
	app.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveApp(app); err != nil {
		return e.rollback(app, createdVMID, fmt.Sprintf("failed to persist running state: %v", err))
	}

	// pre-route-apply boundary
	if ctx.Err() != nil {
		return e.rollback(app, createdVMID, "deployment cancelled before route apply")
	}

	if err := e.reapplyRoutes(); err != nil {
		return e.rollback(app, createdVMID, fmt.Sprintf("route apply failed: %v", err))
	}

	e.recordEvent(app.ID, "running", fmt.Sprintf("container %d running on %s, public port %d",
		app.ContainerID, app.BridgeName, app.PublicPort))
	e.logger.WithField("app", app.ID).WithField("vmid", app.ContainerID).Info("Application deployed")
	return nil
}

// rollback undoes a partially-completed provisioning: destroy any container
// created during this attempt, release the reserved ports unconditionally,
// move the record to the error state. Returns the classified error for the
// caller to surface.
func (e *Engine) rollback(app *api.Application, createdVMID int, reason string) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), e.stepTimeout)
	defer cancel()

	if createdVMID != 0 {
		if err := e.hypervisor.StopContainer(cleanupCtx, createdVMID); err != nil {
			e.logger.WithError(err).WithField("vmid", createdVMID).Warn("Rollback stop failed")
		}
		if err := e.hypervisor.DestroyContainer(cleanupCtx, createdVMID); err != nil {
			e.logger.WithError(err).WithField("vmid", createdVMID).Warn("Rollback destroy failed")
		}
		app.ContainerID = 0
	}

	if app.PublicPort != 0 {
		e.ports.Release(app.PublicPort, app.InternalPort)
		app.PublicPort = 0
		app.InternalPort = 0
	}

	if err := e.store.SaveApp(app); err != nil {
		e.logger.WithError(err).WithField("app", app.ID).Error("Failed to persist rollback")
	}
	e.markError(app.ID, reason)

	// drop any route block that may already reference this app
	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).Warn("Failed to reapply routes after rollback")
	}

	return api.NewError(api.KindProvisioning, reason)
}
