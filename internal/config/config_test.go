package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "tom.yaml", `
identity:
  key_file: key.json
network:
  listen_addresses: ["0.0.0.0:4242"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected version defaulted to 1, got %d", cfg.Version)
	}
	if cfg.Role.RelayRatio != 4 {
		t.Fatalf("expected default relay ratio 4, got %d", cfg.Role.RelayRatio)
	}
	if cfg.Liveness.StaleThreshold != "3s" {
		t.Fatalf("expected default stale threshold 3s, got %q", cfg.Liveness.StaleThreshold)
	}
	if cfg.Groups.MaxGroups != 20 {
		t.Fatalf("expected default max groups 20, got %d", cfg.Groups.MaxGroups)
	}
	if !cfg.Discovery.IsMDNSEnabled() {
		t.Fatal("expected mDNS to default to enabled when unset")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "tom.yaml", `
identity:
  key_file: key.json
network:
  listen_addresses: ["0.0.0.0:4242"]
role:
  relay_ratio: 8
discovery:
  mdns_enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role.RelayRatio != 8 {
		t.Fatalf("expected explicit relay ratio to survive defaulting, got %d", cfg.Role.RelayRatio)
	}
	if cfg.Discovery.IsMDNSEnabled() {
		t.Fatal("expected explicit mdns_enabled: false to be honored")
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "tom.yaml", "version: 99\n")

	_, err := Load(path)
	if !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("expected ErrConfigVersionTooNew, got %v", err)
	}
}

func TestLoadRejectsOverlyPermissiveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tom.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a world/group-readable config file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "tom.yaml", "not: [valid yaml\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail on malformed YAML")
	}
}

func TestValidateRequiresKeyFileAndListenAddresses(t *testing.T) {
	cfg := &NodeConfig{}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected Validate to fail with no identity.key_file")
	}
	cfg.Identity.KeyFile = "key.json"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected Validate to fail with no listen addresses")
	}
	cfg.Network.ListenAddresses = []string{"0.0.0.0:4242"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected Validate to succeed with the minimum required fields, got %v", err)
	}
}

func TestValidateRejectsUnparsableDuration(t *testing.T) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "key.json"},
		Network:  NetworkConfig{ListenAddresses: []string{"0.0.0.0:4242"}},
		Liveness: LivenessConfig{StaleThreshold: "not-a-duration"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected Validate to reject an unparsable duration field")
	}
}

func TestFindConfigFilePrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "custom.yaml", "version: 1\n")

	got, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if got != path {
		t.Fatalf("expected explicit path to win, got %q", got)
	}
}

func TestFindConfigFileRejectsMissingExplicitPath(t *testing.T) {
	if _, err := FindConfigFile(filepath.Join(t.TempDir(), "ghost.yaml")); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestFindConfigFileFallsBackToCwd(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tom.yaml", "version: 1\n")

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(origWd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	got, err := FindConfigFile("")
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if got != "tom.yaml" {
		t.Fatalf("expected ./tom.yaml to be found, got %q", got)
	}
}

func TestResolveConfigPathsRewritesRelativePaths(t *testing.T) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "key.json"},
		Security: SecurityConfig{VaultFile: "vault.bin"},
	}
	ResolveConfigPaths(cfg, "/etc/tom")

	if cfg.Identity.KeyFile != filepath.Join("/etc/tom", "key.json") {
		t.Fatalf("expected key_file rewritten relative to config dir, got %q", cfg.Identity.KeyFile)
	}
	if cfg.Security.VaultFile != filepath.Join("/etc/tom", "vault.bin") {
		t.Fatalf("expected vault_file rewritten relative to config dir, got %q", cfg.Security.VaultFile)
	}
}

func TestResolveConfigPathsLeavesAbsolutePathsAlone(t *testing.T) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "/opt/key.json"},
	}
	ResolveConfigPaths(cfg, "/etc/tom")
	if cfg.Identity.KeyFile != "/opt/key.json" {
		t.Fatalf("expected an already-absolute path to be left alone, got %q", cfg.Identity.KeyFile)
	}
}

func TestDurationsParsesAllFields(t *testing.T) {
	cfg := &NodeConfig{
		Liveness: LivenessConfig{StaleThreshold: "3s", HeartbeatInterval: "1s", DebounceWindow: "1s"},
		Role:     RoleConfig{ReevalInterval: "60s"},
		Tracker:  TrackerConfig{CleanupInterval: "5m", MaxAge: "24h"},
	}
	stale, hb, debounce, reeval, cleanup, maxAge := cfg.Durations()
	if stale != 3*time.Second || hb != time.Second || debounce != time.Second {
		t.Fatalf("unexpected liveness durations: %v %v %v", stale, hb, debounce)
	}
	if reeval != 60*time.Second {
		t.Fatalf("expected reeval 60s, got %v", reeval)
	}
	if cleanup != 5*time.Minute || maxAge != 24*time.Hour {
		t.Fatalf("unexpected tracker durations: %v %v", cleanup, maxAge)
	}
}
