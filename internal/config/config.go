// Package config loads the supervisor's configuration document (spec 6):
// the applications and services lists, plus the ambient logging and KV
// settings SPEC_FULL.md's AMBIENT STACK section adds. Grounded on the
// teacher's pkg/config layered-loading pattern: built-in defaults, an
// optional YAML file, then environment variable overrides, with an
// optional .env file loaded first so those overrides can come from a file
// too. CONFIG_FILE selects the YAML file, matching the teacher's
// convention of a single env var naming the config path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/permission"
)

// defaultMinPages and defaultMaxPages are spec.md section 6's stated
// defaults: "default memory {min: 64, max: 256} (pages of 65,536 bytes)".
const (
	defaultMinPages = int32(64)
	defaultMaxPages = int32(256)
	defaultKVPool   = 16
)

// MemoryConfig is an application's linear memory bounds in pages.
type MemoryConfig struct {
	Min int32 `yaml:"min"`
	Max int32 `yaml:"max"`
}

// PermissionConfig is one tagged permission grant, matching permission.Kind's
// scoped variants (spec 3, "Permission").
type PermissionConfig struct {
	Kind  string `yaml:"kind"`
	Scope string `yaml:"scope"`
}

// ToPermission converts the configuration entry into a permission.Permission.
func (p PermissionConfig) ToPermission() (permission.Permission, error) {
	switch permission.Kind(strings.ToLower(strings.TrimSpace(p.Kind))) {
	case permission.KindTCPListen:
		return permission.TCPListen(p.Scope), nil
	case permission.KindTCPConnect:
		return permission.TCPConnect(p.Scope), nil
	case permission.KindKVNamespace:
		return permission.KVNamespace(p.Scope), nil
	default:
		return permission.Permission{}, fmt.Errorf("config: unknown permission kind %q", p.Kind)
	}
}

// ApplicationConfig describes one guest application (spec 6): its name, the
// path to its compiled source, memory bounds, and granted permissions.
type ApplicationConfig struct {
	Name        string             `yaml:"name"`
	Path        string             `yaml:"path"`
	Memory      MemoryConfig       `yaml:"memory"`
	Permissions []PermissionConfig `yaml:"permissions"`
}

// PermissionSet builds a permission.Set from the configured grants.
func (a ApplicationConfig) PermissionSet() (*permission.Set, error) {
	perms := make([]permission.Permission, 0, len(a.Permissions))
	for _, p := range a.Permissions {
		conv, err := p.ToPermission()
		if err != nil {
			return nil, fmt.Errorf("config: application %q: %w", a.Name, err)
		}
		perms = append(perms, conv)
	}
	return permission.NewSet(perms...), nil
}

// ServiceConfig describes one front-end service the supervisor binds (spec
// 6): `{ kind: one-of {"Http"} }`, routing matched path prefixes to target
// applications.
type ServiceConfig struct {
	Kind   string        `yaml:"kind"`
	Listen string        `yaml:"listen"`
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig binds a path prefix to the application whose mailbox should
// receive matching requests (spec 4.8, "routes each inbound HTTP request by
// matched path prefix").
type RouteConfig struct {
	Prefix      string `yaml:"prefix"`
	Application string `yaml:"application"`
}

// KVConfig configures the KV backend collaborator (spec 4.6's "KV Storage").
// Empty Addr selects the in-memory backend (useful for tests and the
// scenario in spec 8 where the KV collaborator is unreachable at startup is
// instead modeled by pointing Addr at a real but down instance).
type KVConfig struct {
	Addr     string `yaml:"addr" env:"KV_ADDR"`
	Password string `yaml:"password" env:"KV_PASSWORD"`
	DB       int    `yaml:"db" env:"KV_DB,default=0"`
	Workers  int    `yaml:"workers" env:"KV_WORKERS,default=16"`
}

// Config is the root configuration document.
type Config struct {
	Applications []ApplicationConfig `yaml:"applications"`
	Services     []ServiceConfig     `yaml:"services"`
	Logging      logging.Config      `yaml:"logging"`
	KV           KVConfig            `yaml:"kv"`
}

// New returns a Config with the spec's stated defaults and no applications
// or services configured; callers typically follow it with Load.
func New() *Config {
	return &Config{
		Logging: logging.Config{Level: "info", Format: "text"},
		KV:      KVConfig{Workers: defaultKVPool},
	}
}

// Load builds a Config by layering, in order: New()'s defaults, an optional
// YAML file (path, or CONFIG_FILE if path is empty), then environment
// variable overrides via envdecode. A .env file (if present in the working
// directory) is loaded first so file-based env vars can supply those
// overrides too, matching the teacher's godotenv convention.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := New()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills per-application memory defaults spec.md section 6
// names explicitly, for any application whose configuration omitted them.
func applyDefaults(cfg *Config) {
	for i := range cfg.Applications {
		app := &cfg.Applications[i]
		if app.Memory.Min == 0 {
			app.Memory.Min = defaultMinPages
		}
		if app.Memory.Max == 0 {
			app.Memory.Max = defaultMaxPages
		}
	}
	if cfg.KV.Workers == 0 {
		cfg.KV.Workers = defaultKVPool
	}
}

// Validate rejects configurations that cannot be booted: duplicate
// application names, routes referring to an unknown application, or memory
// bounds with min > max.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Applications))
	for _, app := range c.Applications {
		if app.Name == "" {
			return errors.New("config: application with empty name")
		}
		if names[app.Name] {
			return fmt.Errorf("config: duplicate application name %q", app.Name)
		}
		names[app.Name] = true
		if app.Memory.Min > app.Memory.Max {
			return fmt.Errorf("config: application %q: memory.min (%d) exceeds memory.max (%d)", app.Name, app.Memory.Min, app.Memory.Max)
		}
	}
	for _, svc := range c.Services {
		if strings.ToLower(svc.Kind) != "http" {
			return fmt.Errorf("config: unsupported service kind %q", svc.Kind)
		}
		for _, r := range svc.Routes {
			if !names[r.Application] {
				return fmt.Errorf("config: route %q targets unknown application %q", r.Prefix, r.Application)
			}
		}
	}
	return nil
}
