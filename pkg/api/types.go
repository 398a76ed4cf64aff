package api

import "time"

// AppStatus represents the lifecycle status of an application
type AppStatus string

const (
	// AppRequested indicates the deployment was accepted but not started
	AppRequested AppStatus = "requested"
	// AppDeploying indicates the application is being provisioned
	AppDeploying AppStatus = "deploying"
	// AppRunning indicates the application container is up and routed
	AppRunning AppStatus = "running"
	// AppStopped indicates the application container is stopped but kept
	AppStopped AppStatus = "stopped"
	// AppUpdating indicates an in-place update is in progress
	AppUpdating AppStatus = "updating"
	// AppCloning indicates the application is being cloned into a new one
	AppCloning AppStatus = "cloning"
	// AppRemoving indicates deletion is in progress
	AppRemoving AppStatus = "removing"
	// AppError indicates the last operation failed; see ErrorReason
	AppError AppStatus = "error"
	// AppAdopting indicates an externally created container is being adopted
	AppAdopting AppStatus = "adopting"
)

// IsTransitional reports whether the status is one the janitor may time out.
func (s AppStatus) IsTransitional() bool {
	switch s {
	case AppDeploying, AppRemoving, AppCloning, AppUpdating, AppAdopting:
		return true
	}
	return false
}

// Application represents one deployed or adopted unit
type Application struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	CatalogID string `json:"catalog_id"`

	Node        string `json:"node"`
	ContainerID int    `json:"container_id"`

	Status      AppStatus `json:"status"`
	IsAdopted   bool      `json:"is_adopted"`
	ErrorReason string    `json:"error_reason,omitempty"`

	PublicPort   int    `json:"public_port"`
	InternalPort int    `json:"internal_port"`
	TargetPort   int    `json:"target_port"`
	BridgeName   string `json:"bridge_name"`

	AdoptionSnapshot *AdoptionSnapshot `json:"adoption_snapshot,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastReconciledAt time.Time `json:"last_reconciled_at,omitempty"`
}

// AdoptionSnapshot is the hypervisor-reported configuration and runtime status
// of a container captured at the moment of adoption. It is never mutated after
// capture; it is the audit record for a resource the engine did not create.
type AdoptionSnapshot struct {
	CapturedAt    time.Time         `json:"captured_at"`
	RuntimeStatus string            `json:"runtime_status"`
	Config        map[string]string `json:"config"`
}

// NetworkMode describes which network fabric a container is attached to
type NetworkMode string

const (
	// NetworkIsolated attaches containers to the managed isolated bridge
	NetworkIsolated NetworkMode = "isolated"
	// NetworkFallback attaches containers to the host's default bridge
	NetworkFallback NetworkMode = "fallback"
)

// NetworkAppliance represents the singleton service container providing
// DHCP, DNS, NAT and the reverse proxy for all application containers
type NetworkAppliance struct {
	ContainerID   int             `json:"container_id"`
	BridgeName    string          `json:"bridge_name"`
	LANGatewayIP  string          `json:"lan_gateway_ip"`
	WANIP         string          `json:"wan_ip"`
	DHCPRange     string          `json:"dhcp_range"`
	DNSDomain     string          `json:"dns_domain"`
	ServiceHealth map[string]bool `json:"service_health"`
}

// DeployRequest is a request to deploy a catalog entry
type DeployRequest struct {
	CatalogID string            `json:"catalog_id"`
	Hostname  string            `json:"hostname"`
	Node      string            `json:"node,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one entry in the per-application audit trail
type Event struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}
