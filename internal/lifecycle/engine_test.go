package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabriziosalmi/proximity-sub002/internal/catalog"
	"github.com/fabriziosalmi/proximity-sub002/internal/network"
	"github.com/fabriziosalmi/proximity-sub002/internal/ports"
	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/routes"
	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeNetwork hands out a fixed isolated handle and counts teardown checks
type fakeNetwork struct {
	mu       sync.Mutex
	handle   *network.Handle
	onEnsure func()
	releases int
}

func (f *fakeNetwork) Ensure(ctx context.Context) (*network.Handle, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.onEnsure != nil {
		f.onEnsure()
	}
	return f.handle, nil
}

func (f *fakeNetwork) GetContainerNetworkBinding(hostname string) *network.Handle {
	return f.handle
}

func (f *fakeNetwork) ReleaseIfUnused(ctx context.Context) {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

// fakeApplier records every applied route document
type fakeApplier struct {
	mu   sync.Mutex
	docs []string
	err  error
}

func (f *fakeApplier) Apply(document string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.docs = append(f.docs, document)
	f.mu.Unlock()
	return nil
}

func (f *fakeApplier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.docs) == 0 {
		return ""
	}
	return f.docs[len(f.docs)-1]
}

type fakeCatalog struct {
	entries map[string]*catalog.Entry
}

func (f *fakeCatalog) Get(id string) (*catalog.Entry, error) {
	if entry, ok := f.entries[id]; ok {
		return entry, nil
	}
	return nil, fmt.Errorf("no catalog entry %q", id)
}

type engineHarness struct {
	engine    *Engine
	store     *store.Store
	allocator *ports.Allocator
	client    *proxmox.MockClient
	network   *fakeNetwork
	applier   *fakeApplier
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	st, err := store.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	allocator, err := ports.NewAllocator(8000, 8009)
	require.NoError(t, err)

	client := proxmox.NewMockClient()
	netManager := &fakeNetwork{handle: &network.Handle{
		Mode:       api.NetworkIsolated,
		BridgeName: "prxb0",
	}}
	applier := &fakeApplier{}
	catalogProvider := &fakeCatalog{entries: map[string]*catalog.Entry{
		"wordpress": {
			ID:          "wordpress",
			Name:        "WordPress",
			Image:       "local:vztmpl/wordpress.tar.zst",
			DefaultPort: 80,
			MemoryMB:    512,
			Cores:       1,
			DiskGB:      8,
			Volumes:     []string{"local-lvm:4,mp=/var/www/html"},
			Env:         map[string]string{"WP_DEBUG": "0"},
		},
	}}

	engine := NewEngine(st, allocator, netManager, client, catalogProvider, applier,
		routes.Options{PublicDomain: "prox.local", DNSDomain: "prox.local", UINetworkCIDR: "10.77.0.0/24"},
		"pve", 30*time.Second, logger)

	return &engineHarness{
		engine:    engine,
		store:     st,
		allocator: allocator,
		client:    client,
		network:   netManager,
		applier:   applier,
	}
}

func TestDeploy(t *testing.T) {
	h := newEngineHarness(t)
	h.client.On("NextID", mock.Anything).Return(101, nil)
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(101, nil)
	h.client.On("StartContainer", mock.Anything, 101).Return(nil)

	app, err := h.engine.Deploy(context.Background(), api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "blog",
	})
	require.NoError(t, err)

	assert.Equal(t, "wordpress-blog", app.ID)
	assert.Equal(t, api.AppRunning, app.Status)
	assert.Equal(t, 101, app.ContainerID)
	assert.Equal(t, 8000, app.PublicPort)
	assert.Equal(t, 18000, app.InternalPort)
	assert.Equal(t, 80, app.TargetPort)
	assert.Equal(t, "prxb0", app.BridgeName)

	persisted, err := h.store.GetApp(app.ID)
	require.NoError(t, err)
	assert.Equal(t, api.AppRunning, persisted.Status)
	assert.True(t, h.client.ContainerExists(101))

	doc := h.applier.last()
	assert.Contains(t, doc, "blog.prox.local")
	assert.Contains(t, doc, "reverse_proxy blog.prox.local:80")

	events, err := h.engine.ListEvents(app.ID)
	require.NoError(t, err)
	actions := make([]string, len(events))
	for i, e := range events {
		actions[i] = e.Action
	}
	assert.Contains(t, actions, "deploy")
	assert.Contains(t, actions, "running")
}

func TestDeployMountsCatalogVolumes(t *testing.T) {
	h := newEngineHarness(t)
	h.client.On("NextID", mock.Anything).Return(101, nil)
	h.client.On("CreateContainer", mock.Anything, mock.MatchedBy(func(req proxmox.CreateRequest) bool {
		return len(req.Volumes) == 1 && req.Volumes[0] == "local-lvm:4,mp=/var/www/html"
	})).Return(101, nil)
	h.client.On("StartContainer", mock.Anything, 101).Return(nil)

	_, err := h.engine.Deploy(context.Background(), api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "blog",
	})
	require.NoError(t, err)
}

func TestDeployRejectsDuplicateHostname(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		Status: api.AppRunning, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	_, err := h.engine.Deploy(context.Background(), api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "blog",
	})
	require.Error(t, err)
	assert.Equal(t, api.KindValidation, api.KindOf(err))

	// rejected before any resource was reserved
	assert.Equal(t, 0, h.allocator.InUse())
	h.client.AssertNotCalled(t, "NextID", mock.Anything)
}

func TestDeployRejectsInvalidHostname(t *testing.T) {
	h := newEngineHarness(t)

	for _, hostname := range []string{"", "UPPER", "has_underscore", "-leading", "trailing-"} {
		_, err := h.engine.Deploy(context.Background(), api.DeployRequest{
			CatalogID: "wordpress",
			Hostname:  hostname,
		})
		require.Error(t, err, "hostname %q", hostname)
		assert.Equal(t, api.KindValidation, api.KindOf(err))
	}
}

func TestDeployRollsBackOnStartFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.client.On("NextID", mock.Anything).Return(101, nil)
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(101, nil)
	h.client.On("StartContainer", mock.Anything, 101).Return(fmt.Errorf("lxc start failed"))
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	h.client.On("DestroyContainer", mock.Anything, 101).Return(nil)

	_, err := h.engine.Deploy(context.Background(), api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "blog",
	})
	require.Error(t, err)
	assert.Equal(t, api.KindProvisioning, api.KindOf(err))

	// the half-created container is gone and the ports are back in the pool
	assert.False(t, h.client.ContainerExists(101))
	assert.Equal(t, 0, h.allocator.InUse())

	persisted, err := h.store.GetApp("wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppError, persisted.Status)
	assert.NotEmpty(t, persisted.ErrorReason)
	assert.NotContains(t, h.applier.last(), "blog.prox.local")
}

func TestDeployCancelledMidwayReleasesPorts(t *testing.T) {
	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	// cancellation lands between the network step and provisioning
	h.network.onEnsure = cancel

	_, err := h.engine.Deploy(ctx, api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "blog",
	})
	require.Error(t, err)
	assert.Equal(t, api.KindProvisioning, api.KindOf(err))

	assert.Equal(t, 0, h.allocator.InUse())
	h.client.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)

	persisted, err := h.store.GetApp("wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppError, persisted.Status)
	assert.Zero(t, persisted.PublicPort)
	assert.NotContains(t, h.applier.last(), "blog.prox.local")
}

func TestConcurrentOperationRejected(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, h.engine.leases.acquire("wordpress-blog"))
	defer h.engine.leases.release("wordpress-blog")

	err := h.engine.Stop(context.Background(), "wordpress-blog")
	require.Error(t, err)
	assert.Equal(t, api.KindOperationInProgress, api.KindOf(err))
}

func TestStopKeepsHostnamePlaceholder(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, h.engine.Stop(context.Background(), "wordpress-blog"))

	persisted, err := h.store.GetApp("wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppStopped, persisted.Status)

	doc := h.applier.last()
	assert.Contains(t, doc, "blog.prox.local")
	assert.Contains(t, doc, "503")
	assert.NotContains(t, doc, "reverse_proxy")
}

func TestUpdateBacksUpBeforeAnyChange(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("Backup", mock.Anything, 101).Return(fmt.Errorf("vzdump failed"))
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		BridgeName: "prxb0", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := h.engine.Update(context.Background(), "wordpress-blog", map[string]string{"WP_DEBUG": "1"})
	require.Error(t, err)
	assert.Equal(t, api.KindProvisioning, api.KindOf(err))

	// a failed backup must leave the old container untouched
	h.client.AssertNotCalled(t, "StopContainer", mock.Anything, 101)
	h.client.AssertNotCalled(t, "DestroyContainer", mock.Anything, 101)
	assert.True(t, h.client.ContainerExists(101))
}

func TestUpdateReplacesContainer(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("Backup", mock.Anything, 101).Return(nil)
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	h.client.On("DestroyContainer", mock.Anything, 101).Return(nil)
	h.client.On("NextID", mock.Anything).Return(102, nil)
	h.client.On("CreateContainer", mock.Anything, mock.MatchedBy(func(req proxmox.CreateRequest) bool {
		return req.VMID == 102 && req.Env["WP_DEBUG"] == "1"
	})).Return(102, nil)
	h.client.On("StartContainer", mock.Anything, 102).Return(nil)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		BridgeName: "prxb0", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, h.engine.Update(context.Background(), "wordpress-blog", map[string]string{"WP_DEBUG": "1"}))

	persisted, err := h.store.GetApp("wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppRunning, persisted.Status)
	assert.Equal(t, 102, persisted.ContainerID)
	assert.Equal(t, 8000, persisted.PublicPort)
	assert.False(t, h.client.ContainerExists(101))
	assert.True(t, h.client.ContainerExists(102))
}

func TestCloneLeavesSourceIntact(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{
		VMID: 101, Name: "blog", Status: proxmox.StatusRunning,
		Config: map[string]string{"ostemplate": "local:vztmpl/wordpress.tar.zst"},
	})
	h.client.On("NextID", mock.Anything).Return(102, nil)
	h.client.On("CloneContainer", mock.Anything, 101, 102, "blog2").Return(nil)
	h.client.On("StartContainer", mock.Anything, 102).Return(nil)
	h.allocator.Reserve(8000, 18000)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		BridgeName: "prxb0", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	clone, err := h.engine.Clone(context.Background(), "wordpress-blog", "blog2")
	require.NoError(t, err)

	assert.Equal(t, "wordpress-blog2", clone.ID)
	assert.Equal(t, api.AppRunning, clone.Status)
	assert.Equal(t, 102, clone.ContainerID)
	assert.NotEqual(t, 8000, clone.PublicPort)

	src, err := h.store.GetApp("wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppRunning, src.Status)
	assert.Equal(t, 101, src.ContainerID)
	assert.Equal(t, 8000, src.PublicPort)
}

func TestDeleteCreatedAppDestroysContainer(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	h.client.On("DestroyContainer", mock.Anything, 101).Return(nil)
	h.allocator.Reserve(8000, 18000)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, h.engine.Delete(context.Background(), "wordpress-blog"))

	assert.False(t, h.client.ContainerExists(101))
	assert.Equal(t, 0, h.allocator.InUse())
	_, err := h.store.GetApp("wordpress-blog")
	assert.Equal(t, store.ErrNotFound, err)
	assert.NotContains(t, h.applier.last(), "blog")
	assert.Equal(t, 1, h.network.releases)
}

func TestDeleteAdoptedAppLeavesContainer(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 300, Name: "legacy", Status: proxmox.StatusRunning})
	h.allocator.Reserve(8000, 18000)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "adopted-legacy", Hostname: "legacy", CatalogID: "adopted",
		ContainerID: 300, Status: api.AppRunning, IsAdopted: true,
		PublicPort: 8000, InternalPort: 18000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	// no Stop/Destroy expectations: touching the container would fail the test
	require.NoError(t, h.engine.Delete(context.Background(), "adopted-legacy"))

	assert.True(t, h.client.ContainerExists(300))
	assert.Equal(t, 0, h.allocator.InUse())
	_, err := h.store.GetApp("adopted-legacy")
	assert.Equal(t, store.ErrNotFound, err)
	assert.NotContains(t, h.applier.last(), "legacy")
}

func TestDeleteKeepsRecordWhenDestroyFails(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	h.client.On("DestroyContainer", mock.Anything, 101).Return(fmt.Errorf("storage busy"))
	h.allocator.Reserve(8000, 18000)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := h.engine.Delete(context.Background(), "wordpress-blog")
	require.Error(t, err)
	assert.Equal(t, api.KindProvisioning, api.KindOf(err))

	// ports and routes are reclaimed anyway, the record stays for the
	// reconciler to classify the leftover container as an expected orphan
	assert.Equal(t, 0, h.allocator.InUse())
	persisted, getErr := h.store.GetApp("wordpress-blog")
	require.NoError(t, getErr)
	assert.Equal(t, api.AppError, persisted.Status)
	assert.Contains(t, persisted.ErrorReason, "hard delete failed")

	// the pair is back in the pool, so the record must not keep the numbers
	assert.Equal(t, 0, persisted.PublicPort)
	assert.Equal(t, 0, persisted.InternalPort)
}

func TestRetryAfterFailedDeleteGetsFreshPorts(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{VMID: 101, Name: "blog", Status: proxmox.StatusRunning})
	h.client.On("StopContainer", mock.Anything, 101).Return(nil)
	h.client.On("DestroyContainer", mock.Anything, 101).Return(fmt.Errorf("storage busy"))
	h.client.On("StartContainer", mock.Anything, 101).Return(nil)
	h.allocator.Reserve(8000, 18000)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning, PublicPort: 8000, InternalPort: 18000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.Error(t, h.engine.Delete(context.Background(), "wordpress-blog"))

	// the released pair goes to the next deployment
	h.client.On("NextID", mock.Anything).Return(102, nil)
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(102, nil)
	h.client.On("StartContainer", mock.Anything, 102).Return(nil)
	news, err := h.engine.Deploy(context.Background(), api.DeployRequest{
		CatalogID: "wordpress",
		Hostname:  "news",
	})
	require.NoError(t, err)
	assert.Equal(t, 8000, news.PublicPort)

	// retrying the failed delete's app must allocate a fresh pair, not
	// resurrect the one now owned by the other application
	retried, err := h.engine.Retry(context.Background(), "wordpress-blog")
	require.NoError(t, err)
	assert.NotEqual(t, news.PublicPort, retried.PublicPort)
	assert.NotEqual(t, news.InternalPort, retried.InternalPort)
	assert.Equal(t, 8001, retried.PublicPort)

	// the route document carries one server block per public port
	doc := h.applier.last()
	assert.Equal(t, 1, strings.Count(doc, "\n:8000 {"))
	assert.Equal(t, 1, strings.Count(doc, "\n:8001 {"))
}

func TestAdoptFreezesSnapshot(t *testing.T) {
	h := newEngineHarness(t)
	h.client.SeedContainer(proxmox.Container{
		VMID: 400, Name: "wiki", Status: proxmox.StatusRunning,
		Config: map[string]string{"hostname": "wiki", "memory": "1024"},
	})
	h.client.On("GetContainer", mock.Anything, 400).Return(nil, nil)

	app, err := h.engine.Adopt(context.Background(), 400, "wiki")
	require.NoError(t, err)

	assert.Equal(t, "adopted-wiki", app.ID)
	assert.True(t, app.IsAdopted)
	assert.Equal(t, api.AppRunning, app.Status)
	require.NotNil(t, app.AdoptionSnapshot)
	assert.Equal(t, "running", app.AdoptionSnapshot.RuntimeStatus)
	assert.Equal(t, "1024", app.AdoptionSnapshot.Config["memory"])
	capturedAt := app.AdoptionSnapshot.CapturedAt

	// later state changes must not rewrite the snapshot
	require.NoError(t, h.store.UpdateStatus(app.ID, api.AppStopped, ""))
	persisted, err := h.store.GetApp(app.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted.AdoptionSnapshot)
	assert.Equal(t, "running", persisted.AdoptionSnapshot.RuntimeStatus)
	assert.Equal(t, capturedAt.Unix(), persisted.AdoptionSnapshot.CapturedAt.Unix())
}

func TestAdoptRejectsManagedContainer(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	_, err := h.engine.Adopt(context.Background(), 101, "blog2")
	require.Error(t, err)
	assert.Equal(t, api.KindValidation, api.KindOf(err))
}

func TestRetryAfterError(t *testing.T) {
	h := newEngineHarness(t)
	h.client.On("NextID", mock.Anything).Return(105, nil)
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(105, nil)
	h.client.On("StartContainer", mock.Anything, 105).Return(nil)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		Status: api.AppError, ErrorReason: "failed to start container",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	app, err := h.engine.Retry(context.Background(), "wordpress-blog")
	require.NoError(t, err)
	assert.Equal(t, api.AppRunning, app.Status)
	assert.Equal(t, 105, app.ContainerID)
	assert.Empty(t, app.ErrorReason)
}

func TestRetryRejectsNonErrorStates(t *testing.T) {
	h := newEngineHarness(t)
	require.NoError(t, h.store.SaveApp(&api.Application{
		ID: "wordpress-blog", Hostname: "blog", CatalogID: "wordpress",
		ContainerID: 101, Status: api.AppRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	_, err := h.engine.Retry(context.Background(), "wordpress-blog")
	require.Error(t, err)
	assert.Equal(t, api.KindValidation, api.KindOf(err))
}

func TestRouteDocumentCoversWholeFleet(t *testing.T) {
	h := newEngineHarness(t)
	h.client.On("NextID", mock.Anything).Return(101, nil).Once()
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(101, nil).Once()
	h.client.On("StartContainer", mock.Anything, 101).Return(nil).Once()

	_, err := h.engine.Deploy(context.Background(), api.DeployRequest{CatalogID: "wordpress", Hostname: "first"})
	require.NoError(t, err)

	h.client.On("NextID", mock.Anything).Return(102, nil).Once()
	h.client.On("CreateContainer", mock.Anything, mock.Anything).Return(102, nil).Once()
	h.client.On("StartContainer", mock.Anything, 102).Return(nil).Once()

	_, err = h.engine.Deploy(context.Background(), api.DeployRequest{CatalogID: "wordpress", Hostname: "second"})
	require.NoError(t, err)

	doc := h.applier.last()
	assert.Contains(t, doc, "first.prox.local")
	assert.Contains(t, doc, "second.prox.local")
	// deterministic ordering regardless of deploy order
	assert.Less(t, strings.Index(doc, "first.prox.local"), strings.Index(doc, "second.prox.local"))
}
