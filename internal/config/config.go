package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration for the orchestration engine
type Config struct {
	DataDir  string // base directory for the sqlite database and staging files
	LogLevel string // "debug" | "info" | "warn" | "error"
	WebPort  uint16 // management API port

	// Hypervisor
	HypervisorURL      string // ex: https://pve.local:8006/api2/json
	HypervisorToken    string // API token, "user@realm!name=secret"
	HypervisorNode     string // target node name
	HypervisorInsecure bool   // skip TLS verification (dev/lab hosts)

	// Catalog
	CatalogDir string // directory of catalog template YAML files

	// Networking
	BridgeName      string // isolated bridge, ex: "prxb0"
	FallbackBridge  string // host default bridge, ex: "vmbr0"
	LANSubnet       string // ex: "10.77.0.0/24"
	LANGatewayIP    string // ex: "10.77.0.1"
	DHCPRange       string // ex: "10.77.0.50,10.77.0.200"
	DNSDomain       string // ex: "prox.local"
	ApplianceImage  string // pre-built appliance template reference
	UINetworkCIDR   string // network allowed to reach embed routes
	ProxyConfigPath string // active reverse-proxy config document
	PublicDomain    string // base domain for hostname routes

	// Port pool
	PortRangeStart int // first public port, ex: 8000
	PortRangeEnd   int // last public port inclusive, ex: 8999

	// Background workers
	ReconcileInterval time.Duration // default 2m
	JanitorInterval   time.Duration // default 5m
	OperationTimeout  time.Duration // transitional-state timeout, default 15m
	StepTimeout       time.Duration // per hypervisor call, default 2m

	// Task queue
	RedisAddr     string // optional; empty = in-memory queue only
	RedisPassword string
	RedisDB       int
	TaskRetries   int           // max retries per task
	TaskBackoff   time.Duration // initial retry backoff
}

// Load builds a Config from environment variables with sane defaults
func Load() *Config {
	return &Config{
		DataDir:  getenv("PROXIMITY_DATA_DIR", "/var/lib/proximity"),
		LogLevel: getenv("PROXIMITY_LOG_LEVEL", "info"),
		WebPort:  uint16(getenvInt("PROXIMITY_WEB_PORT", 7767)),

		HypervisorURL:      getenv("PROXIMITY_PVE_URL", "https://localhost:8006/api2/json"),
		HypervisorToken:    getenv("PROXIMITY_PVE_TOKEN", ""),
		HypervisorNode:     getenv("PROXIMITY_PVE_NODE", "pve"),
		HypervisorInsecure: mustBool("PROXIMITY_PVE_INSECURE", false),

		CatalogDir: getenv("PROXIMITY_CATALOG_DIR", "/etc/proximity/catalog"),

		BridgeName:      getenv("PROXIMITY_BRIDGE", "prxb0"),
		FallbackBridge:  getenv("PROXIMITY_FALLBACK_BRIDGE", "vmbr0"),
		LANSubnet:       getenv("PROXIMITY_LAN_SUBNET", "10.77.0.0/24"),
		LANGatewayIP:    getenv("PROXIMITY_LAN_GATEWAY", "10.77.0.1"),
		DHCPRange:       getenv("PROXIMITY_DHCP_RANGE", "10.77.0.50,10.77.0.200"),
		DNSDomain:       getenv("PROXIMITY_DNS_DOMAIN", "prox.local"),
		ApplianceImage:  getenv("PROXIMITY_APPLIANCE_IMAGE", "local:vztmpl/proximity-gateway.tar.zst"),
		UINetworkCIDR:   getenv("PROXIMITY_UI_NETWORK", "10.77.0.0/24"),
		ProxyConfigPath: getenv("PROXIMITY_PROXY_CONFIG", "/etc/proximity/Caddyfile"),
		PublicDomain:    getenv("PROXIMITY_PUBLIC_DOMAIN", "prox.local"),

		PortRangeStart: getenvInt("PROXIMITY_PORT_RANGE_START", 8000),
		PortRangeEnd:   getenvInt("PROXIMITY_PORT_RANGE_END", 8999),

		ReconcileInterval: mustDuration("PROXIMITY_RECONCILE_INTERVAL", 2*time.Minute),
		JanitorInterval:   mustDuration("PROXIMITY_JANITOR_INTERVAL", 5*time.Minute),
		OperationTimeout:  mustDuration("PROXIMITY_OPERATION_TIMEOUT", 15*time.Minute),
		StepTimeout:       mustDuration("PROXIMITY_STEP_TIMEOUT", 2*time.Minute),

		RedisAddr:     getenv("PROXIMITY_REDIS_ADDR", ""),
		RedisPassword: getenv("PROXIMITY_REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("PROXIMITY_REDIS_DB", 0),
		TaskRetries:   getenvInt("PROXIMITY_TASK_RETRIES", 3),
		TaskBackoff:   mustDuration("PROXIMITY_TASK_BACKOFF", 10*time.Second),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("config: %s must be an integer, got %q", key, v)
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("config: %s must be a boolean, got %q", key, v)
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("config: %s must be a duration, got %q", key, v)
	}
	return d
}
