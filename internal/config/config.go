// Package config loads environment-style configuration for both binaries.
// Missing required values are fatal at startup: a half-configured agent can
// mis-allocate, so it must not start at all.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vrischmann/envconfig"
)

// Placeholder values that deploy templates leave behind when route pushing
// is not meant to be configured.
var placeholders = map[string]struct{}{
	"":         {},
	"none":     {},
	"changeme": {},
}

type StaticRoute struct {
	Destination netip.Prefix
	Gateway     netip.Addr
}

type Agent struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	NodeName   string `envconfig:"NODE_NAME"`
	NodeIP     string `envconfig:"NODE_IP,optional"`
	Region     string `envconfig:"REGION"`
	SubnetCIDR string `envconfig:"SUBNET"`
	VLANLabel  string `envconfig:"VLAN_LABEL"`

	AllocatorURL  string   `envconfig:"ALLOCATOR_URL"`
	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS"`

	CloudToken   string  `envconfig:"CLOUD_TOKEN"`
	CloudBaseURL string  `envconfig:"CLOUD_BASE_URL,optional"`
	CloudRPS     float64 `envconfig:"CLOUD_RPS,default=5"`

	OrchestratorURL   string `envconfig:"ORCHESTRATOR_URL"`
	OrchestratorToken string `envconfig:"ORCHESTRATOR_TOKEN,optional"`

	// Route push: "10.0.1.0/24=192.168.0.1,..." — placeholder or empty
	// disables pushing entirely.
	EnableRoutePush bool   `envconfig:"ENABLE_ROUTE_PUSH,default=true"`
	RouteList       string `envconfig:"ROUTE_LIST,optional"`

	EnableFirewall bool   `envconfig:"ENABLE_FIREWALL,default=true"`
	ClusterID      string `envconfig:"CLUSTER_ID"`

	CriticalServiceSelector string `envconfig:"CRITICAL_SERVICE_SELECTOR,default=k8s-app=kube-dns"`

	EnableSecondaryInterface bool   `envconfig:"ENABLE_SECONDARY_INTERFACE,default=false"`
	SecondarySubnetCIDR      string `envconfig:"SECONDARY_SUBNET,optional"`
	SecondaryVLANLabel       string `envconfig:"SECONDARY_VLAN_LABEL,optional"`

	RebootMarkerPath string        `envconfig:"REBOOT_MARKER_PATH,default=/run/vlanctl/reboot-pending"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT,default=8s"`
}

type Allocator struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	InstanceID string `envconfig:"INSTANCE_ID"`
	Region     string `envconfig:"REGION"`
	SubnetCIDR string `envconfig:"SUBNET"`
	VLANLabel  string `envconfig:"VLAN_LABEL"`

	ListenAddr    string   `envconfig:"LISTEN_ADDR,default=0.0.0.0:8080"`
	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS"`

	CloudToken   string  `envconfig:"CLOUD_TOKEN"`
	CloudBaseURL string  `envconfig:"CLOUD_BASE_URL,optional"`
	CloudRPS     float64 `envconfig:"CLOUD_RPS,default=5"`

	LeaseTTL     time.Duration `envconfig:"LEADER_LEASE_TTL,default=30s"`
	PollInterval time.Duration `envconfig:"LEADER_POLL_INTERVAL,default=10s"`

	PoolSnapshotPath string `envconfig:"POOL_SNAPSHOT_PATH,optional"`
	StatsdAddr       string `envconfig:"STATSD_ADDR,optional"`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT,default=8s"`
}

// LoadAgent reads an optional .env file, then the environment.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()
	cfg := &Agent{}
	if err := envconfig.Init(cfg); err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	if _, err := netip.ParsePrefix(cfg.SubnetCIDR); err != nil {
		return nil, fmt.Errorf("invalid SUBNET %q: %w", cfg.SubnetCIDR, err)
	}
	if cfg.EnableSecondaryInterface {
		if _, err := netip.ParsePrefix(cfg.SecondarySubnetCIDR); err != nil {
			return nil, fmt.Errorf("invalid SECONDARY_SUBNET %q: %w", cfg.SecondarySubnetCIDR, err)
		}
		if cfg.SecondaryVLANLabel == "" {
			return nil, fmt.Errorf("SECONDARY_VLAN_LABEL required when secondary interface is enabled")
		}
	}
	return cfg, nil
}

func LoadAllocator() (*Allocator, error) {
	_ = godotenv.Load()
	cfg := &Allocator{}
	if err := envconfig.Init(cfg); err != nil {
		return nil, fmt.Errorf("failed to read allocator config: %w", err)
	}
	if _, err := netip.ParsePrefix(cfg.SubnetCIDR); err != nil {
		return nil, fmt.Errorf("invalid SUBNET %q: %w", cfg.SubnetCIDR, err)
	}
	return cfg, nil
}

// Routes parses the configured route list. A placeholder value or a disabled
// flag yields no routes rather than a nonsensical route.
func (c *Agent) Routes() ([]StaticRoute, error) {
	if !c.EnableRoutePush {
		return nil, nil
	}
	raw := strings.TrimSpace(c.RouteList)
	if _, isPlaceholder := placeholders[strings.ToLower(raw)]; isPlaceholder {
		return nil, nil
	}
	var routes []StaticRoute
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid route entry %q, want dest-cidr=gateway", pair)
		}
		dest, err := netip.ParsePrefix(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid route destination %q: %w", parts[0], err)
		}
		gw, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid route gateway %q: %w", parts[1], err)
		}
		routes = append(routes, StaticRoute{Destination: dest, Gateway: gw})
	}
	return routes, nil
}
