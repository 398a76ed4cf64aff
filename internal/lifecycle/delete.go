package lifecycle

import (
	"context"
	"fmt"

	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// Delete removes an application. Adopted applications are soft-deleted: the
// engine did not create their container, so it releases ports, drops the
// route entry and removes the record while leaving the container untouched.
// Applications the engine created are hard-deleted: the container is stopped
// and destroyed as well. Both paths always release ports and remove the
// route entry, even when the container-level operation fails partway.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.leases.acquire(id); err != nil {
		return err
	}
	defer e.leases.release(id)

	ok, err := e.store.CompareAndSwapStatus(id, api.AppRemoving,
		api.AppRunning, api.AppStopped, api.AppError, api.AppRequested)
	if err != nil {
		return err
	}
	if !ok {
		return api.NewError(api.KindValidation, "application is not in a deletable state")
	}

	app, err := e.store.GetApp(id)
	if err != nil {
		return err
	}

	var destroyErr error
	if !app.IsAdopted && app.ContainerID != 0 {
		destroyErr = e.step(ctx, func(stepCtx context.Context) error {
			if stopErr := e.hypervisor.StopContainer(stepCtx, app.ContainerID); stopErr != nil {
				e.logger.WithError(stopErr).WithField("vmid", app.ContainerID).Warn("Failed to stop container before destroy")
			}
			return e.hypervisor.DestroyContainer(stepCtx, app.ContainerID)
		})
	}

	// ports and routes are reclaimed regardless of the container outcome
	e.releaseArtifacts(app)

	if destroyErr != nil {
		e.markError(id, fmt.Sprintf("hard delete failed: %v", destroyErr))
		return api.WrapError(api.KindProvisioning, "failed to destroy container", destroyErr)
	}

	if err := e.store.DeleteApp(id); err != nil {
		return fmt.Errorf("failed to remove application record: %w", err)
	}
	e.recordEvent(id, "deleted", deleteDetail(app))
	e.logger.WithField("app", id).WithField("adopted", app.IsAdopted).Info("Application deleted")

	e.network.ReleaseIfUnused(ctx)
	return nil
}

// CleanupArtifacts releases the engine's own bookkeeping for an application
// (port reservation and route entry) without touching the container. This is
// the reconciler's soft-cleanup entry point for expected orphans.
func (e *Engine) CleanupArtifacts(app *api.Application) {
	e.releaseArtifacts(app)
}

// releaseArtifacts returns the port pair to the pool and drops the route
// entry. The record is zeroed and persisted in the same step: once a pair is
// back in the pool another deployment may receive it, so a record that kept
// the old numbers would reuse them on retry and at startup reservation.
func (e *Engine) releaseArtifacts(app *api.Application) {
	if app.PublicPort != 0 {
		e.ports.Release(app.PublicPort, app.InternalPort)
		app.PublicPort = 0
		app.InternalPort = 0
		if err := e.store.SaveApp(app); err != nil {
			e.logger.WithError(err).WithField("app", app.ID).Error("Failed to persist port release")
		}
	}
	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).WithField("app", app.ID).Warn("Failed to remove route entry")
	}
}

func deleteDetail(app *api.Application) string {
	if app.IsAdopted {
		return fmt.Sprintf("soft delete, container %d left in place", app.ContainerID)
	}
	return fmt.Sprintf("hard delete, container %d destroyed", app.ContainerID)
}
