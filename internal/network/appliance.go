package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/sirupsen/logrus"
)

// ApplianceName is the hostname of the singleton service container
const ApplianceName = "proximity-gateway"

// applianceServices are the daemons the appliance must run, with the probe
// used to check each one
var applianceServices = map[string][]string{
	"dnsmasq": {"pgrep", "dnsmasq"},
	"caddy":   {"pgrep", "caddy"},
	"nat":     {"iptables", "-t", "nat", "-C", "POSTROUTING", "-j", "MASQUERADE"},
}

// Handle tells a caller which network fabric to attach new containers to
type Handle struct {
	Mode       api.NetworkMode
	BridgeName string
	Appliance  *api.NetworkAppliance // nil in fallback mode
}

// Options fixes the appliance's network layout
type Options struct {
	BridgeName     string
	FallbackBridge string
	LANSubnet      string
	LANGatewayIP   string
	DHCPRange      string
	DNSDomain      string
	ApplianceImage string
	HealthRetries  int
	HealthInterval time.Duration
}

// RefCounter reports how many non-terminal applications exist. The appliance
// is torn down only when the count reaches zero.
type RefCounter interface {
	CountApps() (int, error)
}

// Alerter receives provisioning-degradation events
type Alerter interface {
	Degraded(reason string)
}

// Manager ensures the isolated bridge and the service-appliance container
// exist before any application container is created. Appliance creation and
// teardown serialize on a single mutex scoped to appliance lifecycle only;
// binding reads are lock-free.
type Manager struct {
	client  proxmox.Client
	refs    RefCounter
	alerter Alerter
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex   // guards appliance create/teardown only
	current atomic.Value // *Handle, read lock-free by GetContainerNetworkBinding
}

// NewManager creates an appliance manager
func NewManager(client proxmox.Client, refs RefCounter, opts Options, logger *logrus.Logger) *Manager {
	if opts.HealthRetries == 0 {
		opts.HealthRetries = 5
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = 2 * time.Second
	}

	m := &Manager{
		client: client,
		refs:   refs,
		opts:   opts,
		logger: logger,
	}
	m.current.Store(m.fallbackHandle())
	return m
}

// WithAlerter sets the degradation alert sink
func (m *Manager) WithAlerter(alerter Alerter) *Manager {
	m.alerter = alerter
	return m
}

func (m *Manager) fallbackHandle() *Handle {
	return &Handle{
		Mode:       api.NetworkFallback,
		BridgeName: m.opts.FallbackBridge,
	}
}

// Ensure guarantees the network fabric exists and returns its handle. Any
// bootstrap failure degrades to the fallback network instead of failing the
// caller's deployment; only context cancellation is surfaced as an error.
// A deployment arriving while ReleaseIfUnused is mid-teardown blocks here
// until the teardown finishes, then recreates the appliance.
func (m *Manager) Ensure(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle, err := m.ensureLocked(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		m.degrade(fmt.Sprintf("appliance bootstrap failed, using fallback network: %v", err))
		handle = m.fallbackHandle()
	}

	m.current.Store(handle)
	return handle, nil
}

func (m *Manager) ensureLocked(ctx context.Context) (*Handle, error) {
	// a healthy appliance discovered on the hypervisor is reused as-is
	existing, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return m.isolatedHandle(existing), nil
	}

	if err := m.client.CreateBridge(ctx, m.opts.BridgeName, m.opts.LANSubnet); err != nil {
		return nil, err
	}

	vmid, err := m.client.NextID(ctx)
	if err != nil {
		return nil, err
	}

	// dual attachment: eth0 toward the management network, eth1 toward the
	// isolated bridge as its gateway
	_, err = m.client.CreateContainer(ctx, proxmox.CreateRequest{
		VMID:         vmid,
		Hostname:     ApplianceName,
		Image:        m.opts.ApplianceImage,
		Bridge:       m.opts.FallbackBridge,
		IPConfig:     "dhcp",
		SecondBridge: m.opts.BridgeName,
		SecondIP:     m.opts.LANGatewayIP + "/24",
		MemoryMB:     256,
		Cores:        1,
		DiskGB:       4,
		Unprivileged: false,
	})
	if err != nil {
		return nil, err
	}

	if err := m.client.StartContainer(ctx, vmid); err != nil {
		return nil, err
	}

	if err := m.bootstrapServices(ctx, vmid); err != nil {
		return nil, err
	}

	appliance := &api.NetworkAppliance{
		ContainerID:  vmid,
		BridgeName:   m.opts.BridgeName,
		LANGatewayIP: m.opts.LANGatewayIP,
		DHCPRange:    m.opts.DHCPRange,
		DNSDomain:    m.opts.DNSDomain,
	}
	appliance.ServiceHealth = m.pollHealth(ctx, vmid)

	for service, healthy := range appliance.ServiceHealth {
		if !healthy {
			return nil, fmt.Errorf("appliance service %s unhealthy after %d probes", service, m.opts.HealthRetries)
		}
	}

	m.logger.WithField("vmid", vmid).Info("Network appliance provisioned")
	return m.isolatedHandle(appliance), nil
}

// discover looks for an already-running appliance on the hypervisor
func (m *Manager) discover(ctx context.Context) (*api.NetworkAppliance, error) {
	containers, err := m.client.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range containers {
		if c.Name != ApplianceName {
			continue
		}
		if c.Status != proxmox.StatusRunning {
			if err := m.client.StartContainer(ctx, c.VMID); err != nil {
				return nil, fmt.Errorf("existing appliance would not start: %w", err)
			}
		}
		return &api.NetworkAppliance{
			ContainerID:   c.VMID,
			BridgeName:    m.opts.BridgeName,
			LANGatewayIP:  m.opts.LANGatewayIP,
			DHCPRange:     m.opts.DHCPRange,
			DNSDomain:     m.opts.DNSDomain,
			ServiceHealth: m.pollHealth(ctx, c.VMID),
		}, nil
	}
	return nil, nil
}

// bootstrapServices configures dnsmasq, NAT and the reverse proxy inside the
// appliance. When the hypervisor cannot exec into containers the appliance
// image is assumed pre-baked and this step is skipped.
func (m *Manager) bootstrapServices(ctx context.Context, vmid int) error {
	commands := [][]string{
		{"sh", "-c", fmt.Sprintf("printf 'interface=eth1\\ndhcp-range=%s,12h\\ndomain=%s\\n' > /etc/dnsmasq.d/proximity.conf", m.opts.DHCPRange, m.opts.DNSDomain)},
		{"sh", "-c", "sysctl -w net.ipv4.ip_forward=1"},
		{"sh", "-c", "iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE"},
		{"sh", "-c", "systemctl restart dnsmasq caddy"},
	}

	for _, cmd := range commands {
		result, err := m.client.ExecInContainer(ctx, vmid, cmd)
		if errors.Is(err, proxmox.ErrNotSupported) {
			m.logger.Debug("Hypervisor cannot exec into containers, relying on pre-built appliance image")
			return nil
		}
		if err != nil {
			return fmt.Errorf("appliance bootstrap command failed: %w", err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("appliance bootstrap command %q exited %d: %s",
				strings.Join(cmd, " "), result.ExitCode, result.Output)
		}
	}
	return nil
}

// pollHealth probes each appliance service with bounded retries. When exec
// is unsupported, health degrades to a container-status check.
func (m *Manager) pollHealth(ctx context.Context, vmid int) map[string]bool {
	health := make(map[string]bool, len(applianceServices))

	for service, probe := range applianceServices {
		health[service] = false
		for attempt := 0; attempt < m.opts.HealthRetries; attempt++ {
			result, err := m.client.ExecInContainer(ctx, vmid, probe)
			if errors.Is(err, proxmox.ErrNotSupported) {
				// best we can do is check the container itself is up
				c, getErr := m.client.GetContainer(ctx, vmid)
				healthy := getErr == nil && c.Status == proxmox.StatusRunning
				for s := range applianceServices {
					health[s] = healthy
				}
				return health
			}
			if err == nil && result.ExitCode == 0 {
				health[service] = true
				break
			}

			select {
			case <-ctx.Done():
				return health
			case <-time.After(m.opts.HealthInterval):
			}
		}
	}
	return health
}

func (m *Manager) isolatedHandle(appliance *api.NetworkAppliance) *Handle {
	return &Handle{
		Mode:       api.NetworkIsolated,
		BridgeName: m.opts.BridgeName,
		Appliance:  appliance,
	}
}

// GetContainerNetworkBinding returns the bridge and mode a new container for
// hostname should attach to. Always succeeds; falls back gracefully when no
// appliance exists. Lock-free.
func (m *Manager) GetContainerNetworkBinding(hostname string) *Handle {
	if h, ok := m.current.Load().(*Handle); ok && h != nil {
		return h
	}
	return m.fallbackHandle()
}

// ReleaseIfUnused tears down the appliance and bridge when no application
// references them. Called after every successful deletion; a cleanup policy
// only, so every failure here is logged and swallowed; the appliance is
// recreated lazily on the next deployment.
func (m *Manager) ReleaseIfUnused(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, err := m.refs.CountApps()
	if err != nil {
		m.logger.WithError(err).Warn("Could not count applications, keeping appliance")
		return
	}
	if count > 0 {
		return
	}

	handle, _ := m.current.Load().(*Handle)
	if handle == nil || handle.Appliance == nil {
		return
	}
	vmid := handle.Appliance.ContainerID

	if err := m.client.StopContainer(ctx, vmid); err != nil {
		m.logger.WithError(err).WithField("vmid", vmid).Warn("Failed to stop appliance")
	}
	if err := m.client.DestroyContainer(ctx, vmid); err != nil {
		m.logger.WithError(err).WithField("vmid", vmid).Warn("Failed to destroy appliance")
		return
	}
	if err := m.client.DeleteBridge(ctx, m.opts.BridgeName); err != nil {
		m.logger.WithError(err).WithField("bridge", m.opts.BridgeName).Warn("Failed to delete bridge")
	}

	m.current.Store(m.fallbackHandle())
	m.logger.Info("Network appliance released")
}

func (m *Manager) degrade(reason string) {
	m.logger.Warn(reason)
	if m.alerter != nil {
		m.alerter.Degraded(reason)
	}
}
