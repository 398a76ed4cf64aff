package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/catalog"
	"github.com/fabriziosalmi/proximity-sub002/internal/network"
	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/routes"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Persistence handles application records
type Persistence interface {
	CreateApp(app *api.Application) error
	SaveApp(app *api.Application) error
	GetApp(id string) (*api.Application, error)
	GetAppByHostname(hostname string) (*api.Application, error)
	GetAppByContainerID(vmid int) (*api.Application, error)
	ListApps() ([]*api.Application, error)
	ListAppsByStatus(statuses ...api.AppStatus) ([]*api.Application, error)
	DeleteApp(id string) error
	UpdateStatus(id string, status api.AppStatus, reason string) error
	CompareAndSwapStatus(id string, to api.AppStatus, from ...api.AppStatus) (bool, error)
	AppendEvent(event api.Event) error
}

// PortAllocator hands out and reclaims (public, internal) port pairs
type PortAllocator interface {
	Allocate() (public, internal int, err error)
	Release(public, internal int)
}

// NetworkManager guarantees the network fabric for application containers
type NetworkManager interface {
	Ensure(ctx context.Context) (*network.Handle, error)
	GetContainerNetworkBinding(hostname string) *network.Handle
	ReleaseIfUnused(ctx context.Context)
}

// RouteApplier swaps a synthesized document into the active proxy config
type RouteApplier interface {
	Apply(document string) error
}

// CatalogProvider resolves catalog ids to templates, read-only
type CatalogProvider interface {
	Get(id string) (*catalog.Entry, error)
}

// Engine drives the per-application lifecycle state machine. Every mutating
// operation acquires a per-application lease first, so at most one lifecycle
// operation runs per application at any time.
type Engine struct {
	store      Persistence
	ports      PortAllocator
	network    NetworkManager
	hypervisor proxmox.Client
	catalog    CatalogProvider
	routes     RouteApplier
	routeOpts  routes.Options
	leases     *leaseTable
	logger     *logrus.Logger

	node        string
	stepTimeout time.Duration
}

// NewEngine creates a lifecycle engine
func NewEngine(
	store Persistence,
	ports PortAllocator,
	netManager NetworkManager,
	hypervisor proxmox.Client,
	catalogProvider CatalogProvider,
	routeApplier RouteApplier,
	routeOpts routes.Options,
	node string,
	stepTimeout time.Duration,
	logger *logrus.Logger,
) *Engine {
	if stepTimeout == 0 {
		stepTimeout = 2 * time.Minute
	}
	return &Engine{
		store:       store,
		ports:       ports,
		network:     netManager,
		hypervisor:  hypervisor,
		catalog:     catalogProvider,
		routes:      routeApplier,
		routeOpts:   routeOpts,
		leases:      newLeaseTable(),
		logger:      logger,
		node:        node,
		stepTimeout: stepTimeout,
	}
}

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// GetApp returns one application record
func (e *Engine) GetApp(id string) (*api.Application, error) {
	return e.store.GetApp(id)
}

// ListApps returns all application records
func (e *Engine) ListApps() ([]*api.Application, error) {
	return e.store.ListApps()
}

// ListEvents returns the audit trail for one application
func (e *Engine) ListEvents(appID string) ([]api.Event, error) {
	if lister, ok := e.store.(interface {
		ListEvents(appID string) ([]api.Event, error)
	}); ok {
		return lister.ListEvents(appID)
	}
	return nil, nil
}

// NetworkStatus returns the currently active network binding: isolated with
// the appliance details, or fallback
func (e *Engine) NetworkStatus() *network.Handle {
	return e.network.GetContainerNetworkBinding("")
}

// reapplyRoutes regenerates the proxy document from the full application set
// and swaps it in
func (e *Engine) reapplyRoutes() error {
	apps, err := e.store.ListApps()
	if err != nil {
		return fmt.Errorf("failed to list apps for route synthesis: %w", err)
	}

	document, err := routes.Synthesize(apps, e.routeOpts)
	if err != nil {
		return err
	}
	return e.routes.Apply(document)
}

// step runs one bounded hypervisor call under the step timeout
func (e *Engine) step(ctx context.Context, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	return fn(stepCtx)
}

func (e *Engine) recordEvent(appID, action, detail string) {
	err := e.store.AppendEvent(api.Event{
		ID:        uuid.NewString(),
		AppID:     appID,
		Action:    action,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.WithError(err).WithField("app", appID).Warn("Failed to record event")
	}
}

// markError moves an application into the error state with a reason
func (e *Engine) markError(appID, reason string) {
	if err := e.store.UpdateStatus(appID, api.AppError, reason); err != nil {
		e.logger.WithError(err).WithField("app", appID).Error("Failed to record error state")
	}
	e.recordEvent(appID, "error", reason)
}

func appID(catalogID, hostname string) string {
	return catalogID + "-" + hostname
}
