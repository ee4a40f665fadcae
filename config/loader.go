package config

// loader.go - configuration loading from a YAML file and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile, --config or MITM_CONFIG)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the YAML document at path onto cfg.  Keys absent
// from the file keep their current value; unknown keys are an error so
// typos do not pass silently.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the MITM_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s") or a bare number of seconds.

// ConfigFileFromEnv returns MITM_CONFIG.
func ConfigFileFromEnv() string { return os.Getenv("MITM_CONFIG") }

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MITM_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv("MITM_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MITM_APPS_FILE"); v != "" {
		cfg.AppsFile = v
	}

	// Privileges
	if v := os.Getenv("MITM_GRANTS"); v != "" {
		cfg.GrantMode = strings.ToLower(v)
	}
	if v := os.Getenv("MITM_GRANTS_FILE"); v != "" {
		cfg.GrantsFile = v
	}
	if d, ok := envDuration("MITM_GRANT_TIMEOUT"); ok {
		cfg.GrantTimeout = d
	}

	// Tunnel
	if v := os.Getenv("MITM_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("MITM_ROUTES"); v != "" {
		cfg.Routes = splitList(v)
	}
	if v := envInt("MITM_MTU"); v > 0 {
		cfg.MTU = v
	}
	if v := os.Getenv("MITM_LABEL"); v != "" {
		cfg.Label = v
	}

	// Engine
	if v := os.Getenv("MITM_ENGINE"); v != "" {
		cfg.Engine = strings.ToLower(v)
	}
	if v := os.Getenv("MITM_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := os.Getenv("MITM_ENGINE_COMMAND"); v != "" {
		cfg.EngineCommand = v
	}
	if v := os.Getenv("MITM_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("MITM_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("MITM_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("MITM_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("MITM_KNOWN_HOSTS"); v != "" {
		cfg.KnownHosts = v
	}
	if d, ok := envDuration("MITM_TIMEOUT"); ok && d > 0 {
		cfg.ConnTimeout = d
	}
	if d, ok := envDuration("MITM_KEEPALIVE"); ok {
		cfg.KeepAlive = d
	}

	// Daemon
	if envBool("MITM_SERVE") {
		cfg.Serve = true
	}
	if v := os.Getenv("MITM_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MITM_JOURNAL"); v != "" {
		cfg.JournalFile = v
	}

	// Output
	if v := os.Getenv("MITM_VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Verbose = n
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
