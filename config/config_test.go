package config

import (
	"net/netip"
	"path/filepath"
	"testing"

	ncerr "mitmctl/internal/errors"
)

// ── ParseDeviceSpec ──────────────────────────────────────────────────

func TestParseDeviceSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "shell@192.168.1.20:8022", "shell", "192.168.1.20", 8022, false},
		{"no port", "root@phone.local", "root", "phone.local", 22, false},
		{"no user", "phone:2200", "", "phone", 2200, false},
		{"host only", "phone.local", "", "phone.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
		{"double at", "a@b@c", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseDeviceSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Defaults ─────────────────────────────────────────────────────────

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.MTU != 4096 {
		t.Errorf("MTU = %d, want 4096", cfg.MTU)
	}
	if cfg.Engine != EngineSim {
		t.Errorf("Engine = %q, want %q", cfg.Engine, EngineSim)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = "/var/lib/mitmctl"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"apps", cfg.AppsPath(), filepath.Join("/var/lib/mitmctl", "apps.yaml")},
		{"state", cfg.StatePath(), filepath.Join("/var/lib/mitmctl", "state.yaml")},
		{"grants", cfg.GrantsPath(), filepath.Join("/var/lib/mitmctl", "grants.yaml")},
		{"journal", cfg.JournalPath(), filepath.Join("/var/lib/mitmctl", "journal.db")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}

	cfg.GrantsFile = "/tmp/g.yaml"
	if got := cfg.GrantsPath(); got != "/tmp/g.yaml" {
		t.Errorf("explicit grants file: got %q", got)
	}
}

func TestSessionDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.Address = "10.9.0.1"
	cfg.Routes = []string{"10.0.0.0/8", "192.168.0.0/16"}
	cfg.MTU = 1400

	d, err := cfg.SessionDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if d.Address != netip.MustParsePrefix("10.9.0.1/32") {
		t.Errorf("Address = %v", d.Address)
	}
	if len(d.Routes) != 2 || d.MTU != 1400 || d.Label != "mitmctl" {
		t.Errorf("unexpected defaults %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("converted defaults invalid: %v", err)
	}
}

// ── Validate ─────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string // empty → valid
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero mtu", func(c *Config) { c.MTU = 0 }, "mtu"},
		{"huge mtu", func(c *Config) { c.MTU = 70000 }, "mtu"},
		{"empty label", func(c *Config) { c.Label = "" }, "label"},
		{"no routes", func(c *Config) { c.Routes = nil }, "route"},
		{"bad route", func(c *Config) { c.Routes = []string{"nope"} }, "route"},
		{"bad address", func(c *Config) { c.Address = "300.1.1.1/32" }, "address"},
		{"unknown engine", func(c *Config) { c.Engine = "kernel" }, "engine"},
		{"unknown grant mode", func(c *Config) { c.GrantMode = "sudo" }, "grants"},
		{"negative grant timeout", func(c *Config) { c.GrantTimeout = -1 }, "grant-timeout"},
		{"verbose too high", func(c *Config) { c.Verbose = 9 }, "verbose"},
		{"ssh without device", func(c *Config) { c.Engine = EngineSSH }, "device"},
		{"ssh bad device", func(c *Config) { c.Engine = EngineSSH; c.Device = "a@b:0x" }, "device"},
		{"ssh ok", func(c *Config) { c.Engine = EngineSSH; c.Device = "shell@phone:8022" }, ""},
		{"serve with prompt", func(c *Config) { c.Serve = true }, "grants"},
		{"serve with file", func(c *Config) { c.Serve = true; c.GrantMode = GrantFile }, ""},
		{"serve bad listen", func(c *Config) { c.Serve = true; c.GrantMode = GrantAuto; c.ListenAddr = "nope" }, "listen"},
		{"serve and list", func(c *Config) { c.Serve = true; c.GrantMode = GrantAuto; c.ListApps = true }, "list-apps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *ncerr.ConfigError
			if !ncerr.As(err, &ce) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (%v)", ce.Field, tt.wantField, err)
			}
		})
	}
}

func TestValidate_FillsDevice(t *testing.T) {
	cfg := Defaults()
	cfg.Engine = EngineSSH
	cfg.Device = "shell@phone:8022"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceUser != "shell" || cfg.DeviceHost != "phone" || cfg.DevicePort != 8022 {
		t.Errorf("got (%q, %q, %d)", cfg.DeviceUser, cfg.DeviceHost, cfg.DevicePort)
	}
}
