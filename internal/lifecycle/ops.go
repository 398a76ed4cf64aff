package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
)

// Stop stops a running application's container and keeps its hostname
// reserved at the proxy
func (e *Engine) Stop(ctx context.Context, id string) error {
	if err := e.leases.acquire(id); err != nil {
		return err
	}
	defer e.leases.release(id)

	ok, err := e.store.CompareAndSwapStatus(id, api.AppStopped, api.AppRunning)
	if err != nil {
		return err
	}
	if !ok {
		return api.NewError(api.KindValidation, "application is not running")
	}

	app, err := e.store.GetApp(id)
	if err != nil {
		return err
	}

	err = e.step(ctx, func(stepCtx context.Context) error {
		return e.hypervisor.StopContainer(stepCtx, app.ContainerID)
	})
	if err != nil {
		e.markError(id, fmt.Sprintf("failed to stop container: %v", err))
		return api.WrapError(api.KindProvisioning, "failed to stop container", err)
	}

	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).Warn("Failed to reapply routes after stop")
	}
	e.recordEvent(id, "stop", fmt.Sprintf("container %d stopped", app.ContainerID))
	return nil
}

// Start starts a stopped application
func (e *Engine) Start(ctx context.Context, id string) error {
	if err := e.leases.acquire(id); err != nil {
		return err
	}
	defer e.leases.release(id)

	ok, err := e.store.CompareAndSwapStatus(id, api.AppRunning, api.AppStopped)
	if err != nil {
		return err
	}
	if !ok {
		return api.NewError(api.KindValidation, "application is not stopped")
	}

	app, err := e.store.GetApp(id)
	if err != nil {
		return err
	}

	err = e.step(ctx, func(stepCtx context.Context) error {
		return e.hypervisor.StartContainer(stepCtx, app.ContainerID)
	})
	if err != nil {
		e.markError(id, fmt.Sprintf("failed to start container: %v", err))
		return api.WrapError(api.KindProvisioning, "failed to start container", err)
	}

	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).Warn("Failed to reapply routes after start")
	}
	e.recordEvent(id, "start", fmt.Sprintf("container %d started", app.ContainerID))
	return nil
}

// Update applies new environment settings to a running application. A
// safety backup is always taken before anything is mutated.
func (e *Engine) Update(ctx context.Context, id string, env map[string]string) error {
	if err := e.leases.acquire(id); err != nil {
		return err
	}
	defer e.leases.release(id)

	ok, err := e.store.CompareAndSwapStatus(id, api.AppUpdating, api.AppRunning)
	if err != nil {
		return err
	}
	if !ok {
		return api.NewError(api.KindValidation, "only running applications can be updated")
	}

	app, err := e.store.GetApp(id)
	if err != nil {
		return err
	}
	entry, err := e.catalog.Get(app.CatalogID)
	if err != nil {
		e.markError(id, "catalog entry disappeared: "+app.CatalogID)
		return api.WrapError(api.KindValidation, "unknown catalog entry "+app.CatalogID, err)
	}
	e.recordEvent(id, "update", "update started")

	// the backup precedes any change, unconditionally
	err = e.step(ctx, func(stepCtx context.Context) error {
		return e.hypervisor.Backup(stepCtx, app.ContainerID)
	})
	if err != nil {
		e.markError(id, fmt.Sprintf("pre-update backup failed: %v", err))
		return api.WrapError(api.KindProvisioning, "pre-update backup failed", err)
	}

	// recreate the container with the merged environment; ports, hostname
	// and bridge stay as they are
	merged := make(map[string]string, len(entry.Env)+len(env))
	for k, v := range entry.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	oldVMID := app.ContainerID
	err = e.step(ctx, func(stepCtx context.Context) error {
		if stopErr := e.hypervisor.StopContainer(stepCtx, oldVMID); stopErr != nil {
			return stopErr
		}
		return e.hypervisor.DestroyContainer(stepCtx, oldVMID)
	})
	if err != nil {
		e.markError(id, fmt.Sprintf("failed to replace container: %v", err))
		return api.WrapError(api.KindProvisioning, "failed to replace container", err)
	}

	var vmid int
	err = e.step(ctx, func(stepCtx context.Context) error {
		var nextErr error
		vmid, nextErr = e.hypervisor.NextID(stepCtx)
		if nextErr != nil {
			return nextErr
		}
		_, createErr := e.hypervisor.CreateContainer(stepCtx, proxmox.CreateRequest{
			VMID:         vmid,
			Hostname:     app.Hostname,
			Image:        entry.Image,
			Bridge:       app.BridgeName,
			IPConfig:     "dhcp",
			MemoryMB:     entry.MemoryMB,
			Cores:        entry.Cores,
			DiskGB:       entry.DiskGB,
			Unprivileged: entry.Unprivileged,
			Volumes:      entry.Volumes,
			Env:          merged,
		})
		if createErr != nil {
			return createErr
		}
		return e.hypervisor.StartContainer(stepCtx, vmid)
	})
	if err != nil {
		e.markError(id, fmt.Sprintf("failed to recreate container: %v", err))
		return api.WrapError(api.KindProvisioning, "failed to recreate container", err)
	}

	app.ContainerID = vmid
	app.TargetPort = entry.DefaultPort
	app.Status = api.AppRunning
	app.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveApp(app); err != nil {
		return fmt.Errorf("failed to persist updated app: %w", err)
	}

	if err := e.reapplyRoutes(); err != nil {
		e.logger.WithError(err).Warn("Failed to reapply routes after update")
	}
	e.recordEvent(id, "updated", fmt.Sprintf("container replaced, %d -> %d", oldVMID, vmid))
	return nil
}

// Clone creates a new application from an existing one's container. The
// source is never mutated beyond its transient cloning status.
func (e *Engine) Clone(ctx context.Context, srcID, newHostname string) (*api.Application, error) {
	if !hostnamePattern.MatchString(newHostname) {
		return nil, api.NewError(api.KindValidation, fmt.Sprintf("invalid hostname %q", newHostname))
	}

	if err := e.leases.acquire(srcID); err != nil {
		return nil, err
	}
	defer e.leases.release(srcID)

	src, err := e.store.GetApp(srcID)
	if err != nil {
		return nil, err
	}
	restoreStatus := src.Status

	ok, err := e.store.CompareAndSwapStatus(srcID, api.AppCloning, api.AppRunning, api.AppStopped)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, api.NewError(api.KindValidation, "only running or stopped applications can be cloned")
	}
	defer func() {
		if _, restoreErr := e.store.CompareAndSwapStatus(srcID, restoreStatus, api.AppCloning); restoreErr != nil {
			e.logger.WithError(restoreErr).WithField("app", srcID).Error("Failed to restore source status after clone")
		}
	}()

	now := time.Now().UTC()
	clone := &api.Application{
		ID:         appID(src.CatalogID, newHostname),
		Hostname:   newHostname,
		CatalogID:  src.CatalogID,
		Node:       e.node,
		Status:     api.AppDeploying,
		TargetPort: src.TargetPort,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateApp(clone); err != nil {
		return nil, api.WrapError(api.KindValidation,
			fmt.Sprintf("hostname %q is already in use", newHostname), err)
	}
	e.recordEvent(clone.ID, "clone", "cloned from "+srcID)

	handle, err := e.network.Ensure(ctx)
	if err != nil {
		return nil, e.rollback(clone, 0, "clone cancelled while ensuring network")
	}
	clone.BridgeName = handle.BridgeName

	public, internal, err := e.ports.Allocate()
	if err != nil {
		e.markError(clone.ID, "port pool exhausted")
		return nil, err
	}
	clone.PublicPort = public
	clone.InternalPort = internal

	var vmid int
	err = e.step(ctx, func(stepCtx context.Context) error {
		var nextErr error
		vmid, nextErr = e.hypervisor.NextID(stepCtx)
		if nextErr != nil {
			return nextErr
		}
		if cloneErr := e.hypervisor.CloneContainer(stepCtx, src.ContainerID, vmid, newHostname); cloneErr != nil {
			return cloneErr
		}
		return e.hypervisor.StartContainer(stepCtx, vmid)
	})
	if err != nil {
		return nil, e.rollback(clone, vmid, fmt.Sprintf("failed to clone container: %v", err))
	}
	clone.ContainerID = vmid

	clone.Status = api.AppRunning
	clone.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveApp(clone); err != nil {
		return nil, e.rollback(clone, vmid, fmt.Sprintf("failed to persist clone: %v", err))
	}

	if err := e.reapplyRoutes(); err != nil {
		return nil, e.rollback(clone, vmid, fmt.Sprintf("route apply failed: %v", err))
	}

	e.recordEvent(clone.ID, "running", fmt.Sprintf("clone of %s running as container %d", srcID, vmid))
	return clone, nil
}
