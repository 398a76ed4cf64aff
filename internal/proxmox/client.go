package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the hypervisor interface consumed by the lifecycle engine, the
// network appliance manager and the reconciler.
type Client interface {
	NextID(ctx context.Context) (int, error)
	CreateContainer(ctx context.Context, req CreateRequest) (int, error)
	DestroyContainer(ctx context.Context, vmid int) error
	StartContainer(ctx context.Context, vmid int) error
	StopContainer(ctx context.Context, vmid int) error
	CloneContainer(ctx context.Context, srcVMID, newVMID int, hostname string) error
	GetContainer(ctx context.Context, vmid int) (*Container, error)
	ListContainers(ctx context.Context) ([]Container, error)
	CreateBridge(ctx context.Context, name, cidr string) error
	DeleteBridge(ctx context.Context, name string) error
	ExecInContainer(ctx context.Context, vmid int, command []string) (*ExecResult, error)
	Backup(ctx context.Context, vmid int) error
}

// HTTPClient talks to a Proxmox-style REST API over HTTPS with an API token
type HTTPClient struct {
	baseURL string
	token   string
	node    string
	http    *http.Client
	logger  *logrus.Logger
}

// NewHTTPClient creates a hypervisor client for a single node
func NewHTTPClient(baseURL, token, node string, insecure bool, logger *logrus.Logger) *HTTPClient {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		node:    node,
		http: &http.Client{
			Transport: transport,
			Timeout:   2 * time.Minute,
		},
		logger: logger,
	}
}

// apiResponse is the envelope every endpoint wraps its payload in
type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = bytes.NewBufferString(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "PVEAPIToken="+c.token)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read hypervisor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hypervisor returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode hypervisor response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode hypervisor payload: %w", err)
	}

	return nil
}

// NextID asks the hypervisor for the next free container identifier
func (c *HTTPClient) NextID(ctx context.Context) (int, error) {
	var id string
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &id); err != nil {
		return 0, err
	}

	vmid, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("hypervisor returned non-numeric id %q: %w", id, err)
	}
	return vmid, nil
}

// CreateContainer provisions an LXC container and returns its identifier
func (c *HTTPClient) CreateContainer(ctx context.Context, req CreateRequest) (int, error) {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(req.VMID))
	form.Set("hostname", req.Hostname)
	form.Set("ostemplate", req.Image)
	form.Set("memory", strconv.Itoa(req.MemoryMB))
	form.Set("cores", strconv.Itoa(req.Cores))
	form.Set("rootfs", fmt.Sprintf("local-lvm:%d", req.DiskGB))
	form.Set("net0", fmt.Sprintf("name=eth0,bridge=%s,ip=%s", req.Bridge, req.IPConfig))
	if req.SecondBridge != "" {
		form.Set("net1", fmt.Sprintf("name=eth1,bridge=%s,ip=%s", req.SecondBridge, req.SecondIP))
	}
	if req.Unprivileged {
		form.Set("unprivileged", "1")
	}
	for i, volume := range req.Volumes {
		form.Set(fmt.Sprintf("mp%d", i), volume)
	}
	if len(req.Env) > 0 {
		encoded, err := json.Marshal(req.Env)
		if err != nil {
			return 0, fmt.Errorf("failed to encode container env: %w", err)
		}
		form.Set("description", string(encoded))
	}

	path := fmt.Sprintf("/nodes/%s/lxc", c.node)
	if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
		return 0, fmt.Errorf("failed to create container %d: %w", req.VMID, err)
	}

	c.logger.WithField("vmid", req.VMID).Infof("Created container %s", req.Hostname)
	return req.VMID, nil
}

// DestroyContainer removes a container from the hypervisor
func (c *HTTPClient) DestroyContainer(ctx context.Context, vmid int) error {
	path := fmt.Sprintf("/nodes/%s/lxc/%d", c.node, vmid)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to destroy container %d: %w", vmid, err)
	}
	return nil
}

// StartContainer starts a container
func (c *HTTPClient) StartContainer(ctx context.Context, vmid int) error {
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/start", c.node, vmid)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to start container %d: %w", vmid, err)
	}
	return nil
}

// StopContainer stops a container
func (c *HTTPClient) StopContainer(ctx context.Context, vmid int) error {
	path := fmt.Sprintf("/nodes/%s/lxc/%d/status/stop", c.node, vmid)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to stop container %d: %w", vmid, err)
	}
	return nil
}

// CloneContainer clones an existing container into a new identifier
func (c *HTTPClient) CloneContainer(ctx context.Context, srcVMID, newVMID int, hostname string) error {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(newVMID))
	form.Set("hostname", hostname)
	form.Set("full", "1")

	path := fmt.Sprintf("/nodes/%s/lxc/%d/clone", c.node, srcVMID)
	if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
		return fmt.Errorf("failed to clone container %d: %w", srcVMID, err)
	}
	return nil
}

// lxcStatus is the hypervisor's current-status payload
type lxcStatus struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// GetContainer returns the status and configuration of one container
func (c *HTTPClient) GetContainer(ctx context.Context, vmid int) (*Container, error) {
	var status lxcStatus
	statusPath := fmt.Sprintf("/nodes/%s/lxc/%d/status/current", c.node, vmid)
	if err := c.do(ctx, http.MethodGet, statusPath, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get container %d status: %w", vmid, err)
	}

	var config map[string]interface{}
	configPath := fmt.Sprintf("/nodes/%s/lxc/%d/config", c.node, vmid)
	if err := c.do(ctx, http.MethodGet, configPath, nil, &config); err != nil {
		return nil, fmt.Errorf("failed to get container %d config: %w", vmid, err)
	}

	flat := make(map[string]string, len(config))
	for k, v := range config {
		flat[k] = fmt.Sprintf("%v", v)
	}

	return &Container{
		VMID:   vmid,
		Name:   status.Name,
		Node:   c.node,
		Status: parseStatus(status.Status),
		Config: flat,
	}, nil
}

// ListContainers returns all containers known to the node
func (c *HTTPClient) ListContainers(ctx context.Context) ([]Container, error) {
	var entries []lxcStatus
	path := fmt.Sprintf("/nodes/%s/lxc", c.node)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	containers := make([]Container, 0, len(entries))
	for _, e := range entries {
		containers = append(containers, Container{
			VMID:   e.VMID,
			Name:   e.Name,
			Node:   c.node,
			Status: parseStatus(e.Status),
		})
	}
	return containers, nil
}

// CreateBridge creates an isolated bridge on the node. Existing bridges with
// the same name are treated as success.
func (c *HTTPClient) CreateBridge(ctx context.Context, name, cidr string) error {
	form := url.Values{}
	form.Set("iface", name)
	form.Set("type", "bridge")
	form.Set("cidr", cidr)
	form.Set("autostart", "1")

	path := fmt.Sprintf("/nodes/%s/network", c.node)
	err := c.do(ctx, http.MethodPost, path, form, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		c.logger.WithField("bridge", name).Debug("Bridge already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	return nil
}

// DeleteBridge removes a bridge from the node
func (c *HTTPClient) DeleteBridge(ctx context.Context, name string) error {
	path := fmt.Sprintf("/nodes/%s/network/%s", c.node, name)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", name, err)
	}
	return nil
}

// ExecInContainer is not offered by the Proxmox REST API; callers fall back
// to pre-built appliance images.
func (c *HTTPClient) ExecInContainer(ctx context.Context, vmid int, command []string) (*ExecResult, error) {
	return nil, ErrNotSupported
}

// Backup takes a vzdump-style snapshot backup of a container
func (c *HTTPClient) Backup(ctx context.Context, vmid int) error {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(vmid))
	form.Set("mode", "snapshot")
	form.Set("compress", "zstd")

	path := fmt.Sprintf("/nodes/%s/vzdump", c.node)
	if err := c.do(ctx, http.MethodPost, path, form, nil); err != nil {
		return fmt.Errorf("failed to back up container %d: %w", vmid, err)
	}
	return nil
}

func parseStatus(s string) ContainerStatus {
	switch s {
	case "running":
		return StatusRunning
	case "stopped":
		return StatusStopped
	default:
		return StatusUnknown
	}
}
