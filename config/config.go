// Package config models GatewayConfig: the process-wide, read-mostly,
// hot-reloadable configuration consulted by every subsystem.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// DHCP holds the DHCP subsystem's configuration section.
type DHCP struct {
	Enabled          bool     `yaml:"enabled"`
	BindAddress      string   `yaml:"bind_address"`
	RangeStart       string   `yaml:"range_start"`
	RangeEnd         string   `yaml:"range_end"`
	SubnetMask       string   `yaml:"subnet_mask"`
	Gateway          string   `yaml:"gateway"`
	DNSServers       []string `yaml:"dns_servers"`
	LeaseTimeSeconds uint32   `yaml:"lease_time_seconds"`
	CaptivePortal    bool     `yaml:"captive_portal"`
}

// DNS holds the DNS subsystem's configuration section.
type DNS struct {
	AllowNonDHCPClients bool     `yaml:"allow_non_dhcp_clients"`
	UpstreamServers     []string `yaml:"upstream_servers"`
	UpstreamInterface   string   `yaml:"upstream_interface"`
}

// CaptivePortal holds the portal-hijack policy section.
type CaptivePortal struct {
	Enabled                bool     `yaml:"enabled"`
	AllowedDomains         []string `yaml:"allowed_domains"`
	DetectionDomains       []string `yaml:"detection_domains"`
	PortalFQDN             string   `yaml:"portal_fqdn"`
	SessionTimeoutSeconds  uint32   `yaml:"session_timeout_seconds"`
}

// Log holds the logging configuration section.
type Log struct {
	Level string `yaml:"level"`
}

// Metrics holds the Prometheus exporter configuration section.
type Metrics struct {
	BindAddress string `yaml:"bind_address"`
}

// GatewayConfig is the full, process-wide configuration snapshot.
type GatewayConfig struct {
	DHCP          DHCP          `yaml:"dhcp"`
	DNS           DNS           `yaml:"dns"`
	CaptivePortal CaptivePortal `yaml:"captive_portal"`
	Log           Log           `yaml:"log"`
	Metrics       Metrics       `yaml:"metrics"`
}

// DefaultDetectionDomains are the well-known OS captive-portal probe
// hostnames recognized out of the box.
var DefaultDetectionDomains = []string{
	"msftconnecttest.com",
	"msftncsi.com",
	"captive.apple.com",
	"connectivitycheck.gstatic.com",
	"connectivitycheck.android.com",
}

// DefaultPortalFQDN is the synthesized local A-record name for the
// sign-in page when no override is configured.
const DefaultPortalFQDN = "portal.crabflow.local"

// Default returns a GatewayConfig populated with conservative defaults.
// Load starts from it, so fields absent from the file keep these values;
// gateway.New uses it in full when Load fails. There is no per-section
// fallback: a parse error anywhere in the file discards the whole file.
func Default() *GatewayConfig {
	return &GatewayConfig{
		DHCP: DHCP{
			Enabled:          true,
			BindAddress:      "0.0.0.0",
			RangeStart:       "192.168.1.100",
			RangeEnd:         "192.168.1.200",
			SubnetMask:       "255.255.255.0",
			Gateway:          "192.168.1.1",
			DNSServers:       []string{"192.168.1.1"},
			LeaseTimeSeconds: 3600,
			CaptivePortal:    false,
		},
		DNS: DNS{
			AllowNonDHCPClients: true,
			UpstreamServers:     []string{"8.8.8.8:53", "1.1.1.1:53"},
			UpstreamInterface:   "192.168.1.1",
		},
		CaptivePortal: CaptivePortal{
			Enabled:               false,
			AllowedDomains:        nil,
			DetectionDomains:      append([]string(nil), DefaultDetectionDomains...),
			PortalFQDN:            DefaultPortalFQDN,
			SessionTimeoutSeconds: 0,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads and parses a GatewayConfig from a YAML file on top of
// Default(). A read or parse error anywhere in the document is returned
// as-is; no section of a document that fails to parse is applied.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save serializes cfg to path as YAML.
func Save(path string, cfg *GatewayConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Store is a reader-writer-locked holder of the current GatewayConfig
// snapshot, matching the teacher's convention of a single process-wide,
// mutex-guarded configuration object refreshed on file change.
type Store struct {
	mu  sync.RWMutex
	cfg *GatewayConfig
}

// NewStore wraps an initial config in a Store.
func NewStore(cfg *GatewayConfig) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current config snapshot. Callers must not mutate the
// returned pointer's fields; Get hands back the live pointer for cheap
// reads from the hot DNS/DHCP loops, which re-fetch it for every packet
// rather than holding the lock across I/O.
func (s *Store) Get() *GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set installs a new config snapshot atomically.
func (s *Store) Set(cfg *GatewayConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
