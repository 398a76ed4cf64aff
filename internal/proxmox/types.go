package proxmox

import "errors"

// ErrNotSupported is returned by capabilities the hypervisor API does not
// offer. Callers must treat it as a signal to use a fallback strategy, not
// as a failure.
var ErrNotSupported = errors.New("operation not supported by hypervisor")

// ContainerStatus represents the runtime status of an LXC container
type ContainerStatus string

const (
	// StatusRunning indicates the container is running
	StatusRunning ContainerStatus = "running"
	// StatusStopped indicates the container is stopped
	StatusStopped ContainerStatus = "stopped"
	// StatusUnknown indicates the hypervisor reported an unrecognized state
	StatusUnknown ContainerStatus = "unknown"
)

// Container is a hypervisor-reported container
type Container struct {
	VMID   int               `json:"vmid"`
	Name   string            `json:"name"`
	Node   string            `json:"node"`
	Status ContainerStatus   `json:"status"`
	Config map[string]string `json:"config,omitempty"`
}

// CreateRequest describes a container to be provisioned
type CreateRequest struct {
	VMID         int
	Hostname     string
	Image        string
	Bridge       string
	IPConfig     string // "dhcp" or a static "addr/prefix,gw=..." spec
	SecondBridge string // optional second interface (appliance dual attach)
	SecondIP     string
	MemoryMB     int
	Cores        int
	DiskGB       int
	Unprivileged bool
	Volumes      []string // mount point specs, one per mpN slot
	Env          map[string]string
}

// ExecResult is the outcome of a command executed inside a container
type ExecResult struct {
	ExitCode int
	Output   string
}
