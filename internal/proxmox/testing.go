package proxmox

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock hypervisor for tests. It records expectations through
// testify and additionally tracks container state so List/Get reflect what
// the code under test created.
type MockClient struct {
	mock.Mock
	mu         sync.Mutex
	containers map[int]*Container
}

// NewMockClient creates a mock hypervisor client
func NewMockClient() *MockClient {
	return &MockClient{containers: make(map[int]*Container)}
}

// SeedContainer registers a pre-existing container, for adoption and
// reconciliation scenarios
func (m *MockClient) SeedContainer(c Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := c
	m.containers[c.VMID] = &copied
}

// ContainerExists reports whether the mock still tracks a container
func (m *MockClient) ContainerExists(vmid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.containers[vmid]
	return ok
}

// NextID mocks requesting the next free identifier
func (m *MockClient) NextID(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// CreateContainer mocks provisioning a container
func (m *MockClient) CreateContainer(ctx context.Context, req CreateRequest) (int, error) {
	args := m.Called(ctx, req)
	if args.Error(1) != nil {
		return 0, args.Error(1)
	}

	m.mu.Lock()
	m.containers[req.VMID] = &Container{
		VMID:   req.VMID,
		Name:   req.Hostname,
		Status: StatusStopped,
		Config: map[string]string{"hostname": req.Hostname, "ostemplate": req.Image},
	}
	m.mu.Unlock()
	return req.VMID, nil
}

// DestroyContainer mocks destroying a container
func (m *MockClient) DestroyContainer(ctx context.Context, vmid int) error {
	args := m.Called(ctx, vmid)
	if args.Error(0) != nil {
		return args.Error(0)
	}

	m.mu.Lock()
	delete(m.containers, vmid)
	m.mu.Unlock()
	return nil
}

// StartContainer mocks starting a container
func (m *MockClient) StartContainer(ctx context.Context, vmid int) error {
	args := m.Called(ctx, vmid)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.setStatus(vmid, StatusRunning)
	return nil
}

// StopContainer mocks stopping a container
func (m *MockClient) StopContainer(ctx context.Context, vmid int) error {
	args := m.Called(ctx, vmid)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	m.setStatus(vmid, StatusStopped)
	return nil
}

func (m *MockClient) setStatus(vmid int, status ContainerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[vmid]; ok {
		c.Status = status
	}
}

// CloneContainer mocks cloning a container
func (m *MockClient) CloneContainer(ctx context.Context, srcVMID, newVMID int, hostname string) error {
	args := m.Called(ctx, srcVMID, newVMID, hostname)
	if args.Error(0) != nil {
		return args.Error(0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.containers[srcVMID]
	if ok {
		m.containers[newVMID] = &Container{
			VMID:   newVMID,
			Name:   hostname,
			Status: StatusStopped,
			Config: map[string]string{"hostname": hostname, "ostemplate": src.Config["ostemplate"]},
		}
	}
	return nil
}

// GetContainer mocks fetching one container
func (m *MockClient) GetContainer(ctx context.Context, vmid int) (*Container, error) {
	args := m.Called(ctx, vmid)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[vmid]; ok {
		copied := *c
		return &copied, nil
	}
	if c, ok := args.Get(0).(*Container); ok {
		return c, nil
	}
	return nil, args.Error(1)
}

// ListContainers mocks listing all containers
func (m *MockClient) ListContainers(ctx context.Context) ([]Container, error) {
	args := m.Called(ctx)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, *c)
	}
	return out, nil
}

// CreateBridge mocks creating a bridge
func (m *MockClient) CreateBridge(ctx context.Context, name, cidr string) error {
	args := m.Called(ctx, name, cidr)
	return args.Error(0)
}

// DeleteBridge mocks deleting a bridge
func (m *MockClient) DeleteBridge(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// ExecInContainer mocks executing a command inside a container
func (m *MockClient) ExecInContainer(ctx context.Context, vmid int, command []string) (*ExecResult, error) {
	args := m.Called(ctx, vmid, command)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ExecResult), nil
}

// Backup mocks taking a snapshot backup
func (m *MockClient) Backup(ctx context.Context, vmid int) error {
	args := m.Called(ctx, vmid)
	return args.Error(0)
}
