// Package config loads the per-daemon TOML files and environment overrides
// into the role configs, and renders starter templates.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sessionctl/internal/gds"
	"github.com/danmuck/sessionctl/internal/gss"
	"github.com/danmuck/sessionctl/internal/lds"
	"github.com/danmuck/sessionctl/internal/lss"
)

type GSSFile struct {
	ListenAddr        string   `toml:"listen_addr"`
	AdvertiseURL      string   `toml:"advertise_url"`
	GDSURL            string   `toml:"gds_url"`
	CorsOrigins       []string `toml:"cors_origins"`
	RequestTimeout    string   `toml:"request_timeout"`
	CreateTimeout     string   `toml:"create_timeout"`
	IniTimeout        string   `toml:"ini_timeout"`
	HealthInterval    string   `toml:"health_interval"`
	MaxMissedPings    int      `toml:"max_missed_pings"`
	MaxSessionsPerLSS int      `toml:"max_sessions_per_lss"`
	SelectionPolicy   string   `toml:"selection_policy"`
	CompletedHistory  int      `toml:"completed_history"`
	RetryInterval     string   `toml:"retry_interval"`
	InflightTimeout   string   `toml:"inflight_timeout"`
	BlockedPorts      []int    `toml:"blocked_ports"`
}

type LSSFile struct {
	ListenAddr          string              `toml:"listen_addr"`
	AdvertiseURL        string              `toml:"advertise_url"`
	GSSURL              string              `toml:"gss_url"`
	GDSURL              string              `toml:"gds_url"`
	CorsOrigins         []string            `toml:"cors_origins"`
	RequestTimeout      string              `toml:"request_timeout"`
	HealthInterval      string              `toml:"health_interval"`
	HeartbeatInterval   string              `toml:"heartbeat_interval"`
	MaxMissedPings      int                 `toml:"max_missed_pings"`
	ShutdownTimeout     string              `toml:"shutdown_timeout"`
	CompletedHistory    int                 `toml:"completed_history"`
	RegisterMaxAttempts int                 `toml:"register_max_attempts"`
	BlockedPorts        []int               `toml:"blocked_ports"`
	MandatoryServices   map[string][]string `toml:"mandatory_services"`
}

type GDSFile struct {
	ListenAddr        string   `toml:"listen_addr"`
	AdvertiseURL      string   `toml:"advertise_url"`
	GSSURL            string   `toml:"gss_url"`
	CorsOrigins       []string `toml:"cors_origins"`
	RequestTimeout    string   `toml:"request_timeout"`
	HealthInterval    string   `toml:"health_interval"`
	MaxMissedPings    int      `toml:"max_missed_pings"`
	MaxServicesPerLDS int      `toml:"max_services_per_lds"`
	RehomeOrphans     bool     `toml:"rehome_orphans"`
}

type LDSFile struct {
	ListenAddr          string   `toml:"listen_addr"`
	AdvertiseURL        string   `toml:"advertise_url"`
	GDSURL              string   `toml:"gds_url"`
	CorsOrigins         []string `toml:"cors_origins"`
	RequestTimeout      string   `toml:"request_timeout"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	PingWorkers         bool     `toml:"ping_workers"`
	RegisterMaxAttempts int      `toml:"register_max_attempts"`
	ServicesConfig      string   `toml:"services_config"`
}

// LDSDaemon is the LDS process config: the daemon settings plus the path of
// the supported-services file imported by lds.ImportConfig.
type LDSDaemon struct {
	Service        lds.ServiceConfig
	ServicesConfig string
}

// decode reads path into raw. An empty path leaves raw untouched and reports
// nothing defined.
func decode(path string, raw any) (toml.MetaData, error) {
	if strings.TrimSpace(path) == "" {
		return toml.MetaData{}, nil
	}
	meta, err := toml.DecodeFile(path, raw)
	if err != nil {
		return meta, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return meta, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	return meta, nil
}

// LoadGSS builds the GSS config from defaults, the file at path, and environ
// (nil reads the process environment).
func LoadGSS(path string, environ map[string]string) (gss.Config, error) {
	cfg := gss.DefaultConfig()
	var raw GSSFile
	meta, err := decode(path, &raw)
	if err != nil {
		return gss.Config{}, err
	}
	d := durations{meta: meta}
	setString(meta, "listen_addr", raw.ListenAddr, &cfg.ListenAddr)
	setString(meta, "advertise_url", raw.AdvertiseURL, &cfg.AdvertiseURL)
	setString(meta, "gds_url", raw.GDSURL, &cfg.GDSURL)
	setString(meta, "selection_policy", raw.SelectionPolicy, &cfg.SelectionPolicy)
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	d.set("request_timeout", raw.RequestTimeout, &cfg.RequestTimeout)
	d.set("create_timeout", raw.CreateTimeout, &cfg.CreateTimeout)
	d.set("ini_timeout", raw.IniTimeout, &cfg.IniTimeout)
	d.set("health_interval", raw.HealthInterval, &cfg.HealthInterval)
	d.set("retry_interval", raw.RetryInterval, &cfg.RetryInterval)
	d.set("inflight_timeout", raw.InflightTimeout, &cfg.InflightTimeout)
	if meta.IsDefined("max_missed_pings") {
		cfg.MaxMissedPings = raw.MaxMissedPings
	}
	if meta.IsDefined("max_sessions_per_lss") {
		cfg.MaxSessionsPerLSS = raw.MaxSessionsPerLSS
	}
	if meta.IsDefined("completed_history") {
		cfg.CompletedHistory = raw.CompletedHistory
	}
	if meta.IsDefined("blocked_ports") {
		cfg.BlockedPorts = raw.BlockedPorts
	}
	if d.err != nil {
		return gss.Config{}, d.err
	}

	env, err := loadOverrides("gss", environ)
	if err != nil {
		return gss.Config{}, err
	}
	env.apply(&cfg.ListenAddr, &cfg.AdvertiseURL, nil, &cfg.GDSURL)
	if env.SelectionPolicy != "" {
		cfg.SelectionPolicy = env.SelectionPolicy
	}
	if _, err := gss.NewSelectionPolicy(cfg.SelectionPolicy); err != nil {
		return gss.Config{}, err
	}
	if cfg.MaxSessionsPerLSS < 0 {
		return gss.Config{}, fmt.Errorf("max_sessions_per_lss must be non-negative")
	}
	return cfg, nil
}

// LoadLSS builds the LSS config from defaults, the file at path, and environ.
func LoadLSS(path string, environ map[string]string) (lss.Config, error) {
	cfg := lss.DefaultConfig()
	var raw LSSFile
	meta, err := decode(path, &raw)
	if err != nil {
		return lss.Config{}, err
	}
	d := durations{meta: meta}
	setString(meta, "listen_addr", raw.ListenAddr, &cfg.ListenAddr)
	setString(meta, "advertise_url", raw.AdvertiseURL, &cfg.AdvertiseURL)
	setString(meta, "gss_url", raw.GSSURL, &cfg.GSSURL)
	setString(meta, "gds_url", raw.GDSURL, &cfg.GDSURL)
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	d.set("request_timeout", raw.RequestTimeout, &cfg.RequestTimeout)
	d.set("health_interval", raw.HealthInterval, &cfg.HealthInterval)
	d.set("heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval)
	d.set("shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout)
	if meta.IsDefined("max_missed_pings") {
		cfg.MaxMissedPings = raw.MaxMissedPings
	}
	if meta.IsDefined("completed_history") {
		cfg.CompletedHistory = raw.CompletedHistory
	}
	if meta.IsDefined("register_max_attempts") {
		cfg.RegisterMaxAttempts = raw.RegisterMaxAttempts
	}
	if meta.IsDefined("blocked_ports") {
		cfg.BlockedPorts = raw.BlockedPorts
	}
	if meta.IsDefined("mandatory_services") {
		cfg.MandatoryServices = make(map[string][]string, len(raw.MandatoryServices))
		for sessionType, services := range raw.MandatoryServices {
			cfg.MandatoryServices[sessionType] = normalizeList(services)
		}
	}
	if d.err != nil {
		return lss.Config{}, d.err
	}

	env, err := loadOverrides("lss", environ)
	if err != nil {
		return lss.Config{}, err
	}
	env.apply(&cfg.ListenAddr, &cfg.AdvertiseURL, &cfg.GSSURL, &cfg.GDSURL)
	return cfg, nil
}

// LoadGDS builds the GDS config from defaults, the file at path, and environ.
func LoadGDS(path string, environ map[string]string) (gds.Config, error) {
	cfg := gds.DefaultConfig()
	var raw GDSFile
	meta, err := decode(path, &raw)
	if err != nil {
		return gds.Config{}, err
	}
	d := durations{meta: meta}
	setString(meta, "listen_addr", raw.ListenAddr, &cfg.ListenAddr)
	setString(meta, "advertise_url", raw.AdvertiseURL, &cfg.AdvertiseURL)
	setString(meta, "gss_url", raw.GSSURL, &cfg.GSSURL)
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	d.set("request_timeout", raw.RequestTimeout, &cfg.RequestTimeout)
	d.set("health_interval", raw.HealthInterval, &cfg.HealthInterval)
	if meta.IsDefined("max_missed_pings") {
		cfg.MaxMissedPings = raw.MaxMissedPings
	}
	if meta.IsDefined("max_services_per_lds") {
		cfg.MaxServicesPerLDS = raw.MaxServicesPerLDS
	}
	if meta.IsDefined("rehome_orphans") {
		cfg.RehomeOrphans = raw.RehomeOrphans
	}
	if d.err != nil {
		return gds.Config{}, d.err
	}

	env, err := loadOverrides("gds", environ)
	if err != nil {
		return gds.Config{}, err
	}
	env.apply(&cfg.ListenAddr, &cfg.AdvertiseURL, &cfg.GSSURL, nil)
	return cfg, nil
}

// LoadLDS builds the LDS daemon config from defaults, the file at path, and
// environ. A relative services_config is resolved against the file's directory.
func LoadLDS(path string, environ map[string]string) (LDSDaemon, error) {
	out := LDSDaemon{Service: lds.DefaultServiceConfig()}
	cfg := &out.Service
	var raw LDSFile
	meta, err := decode(path, &raw)
	if err != nil {
		return LDSDaemon{}, err
	}
	d := durations{meta: meta}
	setString(meta, "listen_addr", raw.ListenAddr, &cfg.ListenAddr)
	setString(meta, "advertise_url", raw.AdvertiseURL, &cfg.AdvertiseURL)
	setString(meta, "gds_url", raw.GDSURL, &cfg.GDSURL)
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	d.set("request_timeout", raw.RequestTimeout, &cfg.RequestTimeout)
	d.set("heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval)
	if meta.IsDefined("ping_workers") {
		cfg.PingWorkers = raw.PingWorkers
	}
	if meta.IsDefined("register_max_attempts") {
		cfg.RegisterMaxAttempts = raw.RegisterMaxAttempts
	}
	if meta.IsDefined("services_config") {
		out.ServicesConfig = resolveRelative(path, strings.TrimSpace(raw.ServicesConfig))
	}
	if d.err != nil {
		return LDSDaemon{}, d.err
	}

	env, err := loadOverrides("lds", environ)
	if err != nil {
		return LDSDaemon{}, err
	}
	env.apply(&cfg.ListenAddr, &cfg.AdvertiseURL, nil, &cfg.GDSURL)
	if env.ServicesConfig != "" {
		out.ServicesConfig = env.ServicesConfig
	}
	return out, nil
}

func setString(meta toml.MetaData, key, raw string, dst *string) {
	if !meta.IsDefined(key) {
		return
	}
	if v := strings.TrimSpace(raw); v != "" {
		*dst = v
	}
}

// durations applies duration keys and keeps the first parse error.
type durations struct {
	meta toml.MetaData
	err  error
}

func (d *durations) set(key, raw string, dst *time.Duration) {
	if d.err != nil || !d.meta.IsDefined(key) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	if v <= 0 {
		d.err = fmt.Errorf("%s must be positive", key)
		return
	}
	*dst = v
}
