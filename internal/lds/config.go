package lds

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSupportedServices = errors.New("lds: no supported services configured")
	ErrDuplicateService    = errors.New("lds: duplicate supported service")
	ErrLauncherPath        = errors.New("lds: launcher path is empty")
	ErrLibraryPath         = errors.New("lds: services library path is empty")
	ErrPortRange           = errors.New("lds: invalid port range")
)

// SupportedService is one per-type policy row. Nil ceilings fall back to the
// configured defaults.
type SupportedService struct {
	Name               string `toml:"name"`
	Type               string `toml:"type"`
	MaxCrashRestarts   *int   `toml:"max_crash_restarts,omitempty"`
	MaxStartupRestarts *int   `toml:"max_startup_restarts,omitempty"`
	Websocket          bool   `toml:"websocket"`
}

// ServicePolicy is a SupportedService with ceilings resolved.
type ServicePolicy struct {
	Name               string
	Type               string
	MaxCrashRestarts   int
	MaxStartupRestarts int
	Websocket          bool
}

// Config is the imported LDS configuration.
type Config struct {
	LauncherPath              string             `toml:"launcher_path"`
	ServicesLibraryPath       string             `toml:"services_library_path"`
	ServicesIPAddress         string             `toml:"services_ip_address"`
	DefaultMaxCrashRestarts   int                `toml:"default_max_crash_restarts"`
	DefaultMaxStartupRestarts int                `toml:"default_max_startup_restarts"`
	PortMin                   int                `toml:"port_min"`
	PortMax                   int                `toml:"port_max"`
	CheckAliveFrequency       string             `toml:"check_alive_frequency"`
	StartupTimeout            string             `toml:"startup_timeout"`
	StopTimeout               string             `toml:"stop_timeout"`
	SupportedServices         []SupportedService `toml:"supported_services"`

	imported   bool
	checkAlive time.Duration
	startup    time.Duration
	stop       time.Duration
	policies   map[string]ServicePolicy
}

// DefaultConfig holds the values used when the file leaves a key unset.
func DefaultConfig() Config {
	return Config{
		ServicesIPAddress:         "127.0.0.1",
		DefaultMaxCrashRestarts:   3,
		DefaultMaxStartupRestarts: 3,
		PortMin:                   8100,
		PortMax:                   8999,
		CheckAliveFrequency:       "1s",
		StartupTimeout:            "30s",
		StopTimeout:               "10s",
	}
}

// ImportConfig reads and validates the TOML configuration at path. The returned
// config reports Imported()==false together with the error on failure.
func ImportConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return &cfg, fmt.Errorf("lds config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return &cfg, fmt.Errorf("lds config parse failed (%s): %w", path, err)
	}
	if err := cfg.Finalize(); err != nil {
		return &cfg, fmt.Errorf("lds config invalid (%s): %w", path, err)
	}
	return &cfg, nil
}

// Finalize validates the raw fields and resolves the policy table. It marks the
// config imported on success.
func (c *Config) Finalize() error {
	c.imported = false
	if strings.TrimSpace(c.LauncherPath) == "" {
		return ErrLauncherPath
	}
	if strings.TrimSpace(c.ServicesLibraryPath) == "" {
		return ErrLibraryPath
	}
	if len(c.SupportedServices) == 0 {
		return ErrNoSupportedServices
	}
	if c.PortMin <= 0 || c.PortMax < c.PortMin || c.PortMax > 65535 {
		return fmt.Errorf("%w: %d-%d", ErrPortRange, c.PortMin, c.PortMax)
	}
	var err error
	if c.checkAlive, err = parseDuration("check_alive_frequency", c.CheckAliveFrequency); err != nil {
		return err
	}
	if c.startup, err = parseDuration("startup_timeout", c.StartupTimeout); err != nil {
		return err
	}
	if c.stop, err = parseDuration("stop_timeout", c.StopTimeout); err != nil {
		return err
	}

	policies := make(map[string]ServicePolicy, len(c.SupportedServices))
	for i, s := range c.SupportedServices {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("supported_services[%d]: name is required", i)
		}
		if _, dup := policies[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateService, name)
		}
		p := ServicePolicy{
			Name:               name,
			Type:               strings.TrimSpace(s.Type),
			MaxCrashRestarts:   c.DefaultMaxCrashRestarts,
			MaxStartupRestarts: c.DefaultMaxStartupRestarts,
			Websocket:          s.Websocket,
		}
		if p.Type == "" {
			p.Type = name
		}
		if s.MaxCrashRestarts != nil {
			p.MaxCrashRestarts = *s.MaxCrashRestarts
		}
		if s.MaxStartupRestarts != nil {
			p.MaxStartupRestarts = *s.MaxStartupRestarts
		}
		if p.MaxCrashRestarts < 0 || p.MaxStartupRestarts < 0 {
			return fmt.Errorf("supported_services[%d]: restart ceilings must not be negative", i)
		}
		policies[name] = p
		log.Debug().Str("name", p.Name).Str("type", p.Type).Int("max_crash_restarts", p.MaxCrashRestarts).
			Int("max_startup_restarts", p.MaxStartupRestarts).Msg("lds.Config supported service added")
	}
	c.policies = policies
	c.imported = true
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func (c *Config) Imported() bool { return c != nil && c.imported }

func (c *Config) CheckAliveInterval() time.Duration { return c.checkAlive }

func (c *Config) StartupTimeoutDuration() time.Duration { return c.startup }

func (c *Config) StopTimeoutDuration() time.Duration { return c.stop }

// Policy looks up the per-type policy for a service name.
func (c *Config) Policy(name string) (ServicePolicy, bool) {
	if !c.Imported() {
		return ServicePolicy{}, false
	}
	p, ok := c.policies[strings.TrimSpace(name)]
	return p, ok
}

// SupportedNames lists configured service names in file order.
func (c *Config) SupportedNames() []string {
	out := make([]string, 0, len(c.SupportedServices))
	for _, s := range c.SupportedServices {
		out = append(out, strings.TrimSpace(s.Name))
	}
	return out
}

// Info projects the configuration for debug snapshots.
func (c *Config) Info() debuginfo.LDSConfigInfo {
	info := debuginfo.LDSConfigInfo{
		ConfigImported:            c.Imported(),
		LauncherPath:              c.LauncherPath,
		ServicesLibraryPath:       c.ServicesLibraryPath,
		DefaultMaxCrashRestarts:   c.DefaultMaxCrashRestarts,
		DefaultMaxStartupRestarts: c.DefaultMaxStartupRestarts,
		SupportedServices:         make([]debuginfo.LDSSupportedService, 0, len(c.SupportedServices)),
	}
	for _, name := range c.SupportedNames() {
		p, ok := c.policies[name]
		if !ok {
			continue
		}
		info.SupportedServices = append(info.SupportedServices, debuginfo.LDSSupportedService{
			Name:               p.Name,
			Type:               p.Type,
			MaxCrashRestarts:   p.MaxCrashRestarts,
			MaxStartupRestarts: p.MaxStartupRestarts,
			Websocket:          p.Websocket,
		})
	}
	return info
}
