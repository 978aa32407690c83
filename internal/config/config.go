// Package config loads and validates a node's YAML configuration file,
// mirroring the host application's versioned-schema convention.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the latest configuration schema version. Bump
// when adding fields that require migration.
const CurrentConfigVersion = 1

// ErrConfigVersionTooNew is returned when a config file declares a schema
// version newer than this build understands.
var ErrConfigVersionTooNew = errors.New("config: version too new")

// ErrConfigNotFound is returned by FindConfigFile when no candidate path
// exists.
var ErrConfigNotFound = errors.New("config: not found")

// IdentityConfig locates the node's persisted key material.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig controls the local transport listener.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// RoleConfig tunes the role manager's quota and re-evaluation cadence.
type RoleConfig struct {
	RelayRatio         int    `yaml:"relay_ratio"`          // default: 4
	ReevalInterval     string `yaml:"reeval_interval"`      // default: "60s"
}

// LivenessConfig tunes staleness, heartbeat cadence, and offline debounce.
type LivenessConfig struct {
	StaleThreshold   string `yaml:"stale_threshold"`   // default: "3s"
	HeartbeatInterval string `yaml:"heartbeat_interval"` // default: "1s"
	DebounceWindow   string `yaml:"debounce_window"`   // default: "1s"
}

// TrackerConfig tunes message-status bookkeeping cleanup.
type TrackerConfig struct {
	CleanupInterval string `yaml:"cleanup_interval"` // default: "5m"
	MaxAge          string `yaml:"max_age"`          // default: "24h"
}

// GroupsConfig bounds active group membership.
type GroupsConfig struct {
	MaxGroups int `yaml:"max_groups"` // default: 20
}

// DiscoveryConfig configures the bootstrap/signaling collaborator.
type DiscoveryConfig struct {
	SignalingURL string `yaml:"signaling_url,omitempty"`
	MDNSEnabled  *bool  `yaml:"mdns_enabled,omitempty"` // default: true
	Rendezvous   string `yaml:"rendezvous,omitempty"`
}

// IsMDNSEnabled defaults to true when unset, matching the convention that
// LAN discovery is opt-out rather than opt-in.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// SecurityConfig controls identity-store-at-rest encryption.
type SecurityConfig struct {
	VaultFile string `yaml:"vault_file"`
}

// NodeConfig is the unified configuration for a ToM node.
type NodeConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Role      RoleConfig      `yaml:"role,omitempty"`
	Liveness  LivenessConfig  `yaml:"liveness,omitempty"`
	Tracker   TrackerConfig   `yaml:"tracker,omitempty"`
	Groups    GroupsConfig    `yaml:"groups,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Security  SecurityConfig  `yaml:"security,omitempty"`
}

func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600", path, mode)
	}
	return nil
}

// Load reads and parses a NodeConfig from a YAML file, rejecting files
// readable by anyone but the owner.
func Load(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: %d > %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *NodeConfig) {
	if cfg.Role.RelayRatio == 0 {
		cfg.Role.RelayRatio = 4
	}
	if cfg.Role.ReevalInterval == "" {
		cfg.Role.ReevalInterval = "60s"
	}
	if cfg.Liveness.StaleThreshold == "" {
		cfg.Liveness.StaleThreshold = "3s"
	}
	if cfg.Liveness.HeartbeatInterval == "" {
		cfg.Liveness.HeartbeatInterval = "1s"
	}
	if cfg.Liveness.DebounceWindow == "" {
		cfg.Liveness.DebounceWindow = "1s"
	}
	if cfg.Tracker.CleanupInterval == "" {
		cfg.Tracker.CleanupInterval = "5m"
	}
	if cfg.Tracker.MaxAge == "" {
		cfg.Tracker.MaxAge = "24h"
	}
	if cfg.Groups.MaxGroups == 0 {
		cfg.Groups.MaxGroups = 20
	}
}

// Validate checks that a loaded config is complete enough to start a node.
func Validate(cfg *NodeConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	for _, d := range []string{cfg.Role.ReevalInterval, cfg.Liveness.StaleThreshold, cfg.Liveness.HeartbeatInterval, cfg.Liveness.DebounceWindow, cfg.Tracker.CleanupInterval, cfg.Tracker.MaxAge} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// FindConfigFile searches standard locations for a ToM config file.
// Search order: explicitPath, ./tom.yaml, ~/.config/tom/config.yaml,
// /etc/tom/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	candidates := []string{"tom.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tom", "config.yaml"))
	}
	candidates = append(candidates, filepath.Join("/etc", "tom", "config.yaml"))

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w; searched %v", ErrConfigNotFound, candidates)
}

// ResolveConfigPaths rewrites relative file paths in cfg to be relative to
// the config file's directory.
func ResolveConfigPaths(cfg *NodeConfig, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.Security.VaultFile != "" && !filepath.IsAbs(cfg.Security.VaultFile) {
		cfg.Security.VaultFile = filepath.Join(configDir, cfg.Security.VaultFile)
	}
}

// Durations parses the string duration fields into time.Duration, assuming
// Validate has already confirmed they parse.
func (cfg *NodeConfig) Durations() (staleThreshold, heartbeatInterval, debounceWindow, roleReeval, trackerCleanup, trackerMaxAge time.Duration) {
	staleThreshold, _ = time.ParseDuration(cfg.Liveness.StaleThreshold)
	heartbeatInterval, _ = time.ParseDuration(cfg.Liveness.HeartbeatInterval)
	debounceWindow, _ = time.ParseDuration(cfg.Liveness.DebounceWindow)
	roleReeval, _ = time.ParseDuration(cfg.Role.ReevalInterval)
	trackerCleanup, _ = time.ParseDuration(cfg.Tracker.CleanupInterval)
	trackerMaxAge, _ = time.ParseDuration(cfg.Tracker.MaxAge)
	return
}
