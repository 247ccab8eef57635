package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/sessionctl/internal/gds"
	"github.com/danmuck/sessionctl/internal/gss"
	"github.com/danmuck/sessionctl/internal/lds"
	"github.com/danmuck/sessionctl/internal/lss"
	"github.com/pelletier/go-toml/v2"
)

// Kinds lists the template kinds Template accepts.
var Kinds = []string{"gss", "lss", "gds", "lds", "lds-services"}

// Template renders a starter config for kind holding the daemon defaults.
func Template(kind string) (string, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gss":
		doc = gssTemplate()
	case "lss":
		doc = lssTemplate()
	case "gds":
		doc = gdsTemplate()
	case "lds":
		doc = ldsTemplate()
	case "lds-services":
		doc = ldsServicesTemplate()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gss":
		_, err = LoadGSS(path, map[string]string{})
	case "lss":
		_, err = LoadLSS(path, map[string]string{})
	case "gds":
		_, err = LoadGDS(path, map[string]string{})
	case "lds":
		_, err = LoadLDS(path, map[string]string{})
	case "lds-services":
		_, err = lds.ImportConfig(path)
	default:
		err = fmt.Errorf("unknown config kind: %s", kind)
	}
	return err
}

func dur(d time.Duration) string { return d.String() }

func gssTemplate() GSSFile {
	d := gss.DefaultConfig()
	return GSSFile{
		ListenAddr:        d.ListenAddr,
		AdvertiseURL:      d.AdvertiseURL,
		GDSURL:            d.GDSURL,
		CorsOrigins:       []string{"http://localhost:3000"},
		RequestTimeout:    dur(d.RequestTimeout),
		CreateTimeout:     dur(d.CreateTimeout),
		IniTimeout:        dur(d.IniTimeout),
		HealthInterval:    dur(d.HealthInterval),
		MaxMissedPings:    d.MaxMissedPings,
		MaxSessionsPerLSS: d.MaxSessionsPerLSS,
		SelectionPolicy:   d.SelectionPolicy,
		CompletedHistory:  d.CompletedHistory,
		RetryInterval:     dur(d.RetryInterval),
		InflightTimeout:   dur(d.InflightTimeout),
		BlockedPorts:      []int{},
	}
}

func lssTemplate() LSSFile {
	d := lss.DefaultConfig()
	return LSSFile{
		ListenAddr:          d.ListenAddr,
		AdvertiseURL:        d.AdvertiseURL,
		GSSURL:              d.GSSURL,
		GDSURL:              d.GDSURL,
		CorsOrigins:         []string{"http://localhost:3000"},
		RequestTimeout:      dur(d.RequestTimeout),
		HealthInterval:      dur(d.HealthInterval),
		HeartbeatInterval:   dur(d.HeartbeatInterval),
		MaxMissedPings:      d.MaxMissedPings,
		ShutdownTimeout:     dur(d.ShutdownTimeout),
		CompletedHistory:    d.CompletedHistory,
		RegisterMaxAttempts: d.RegisterMaxAttempts,
		BlockedPorts:        []int{},
		MandatoryServices:   map[string][]string{"Modeling": {"Solver"}},
	}
}

func gdsTemplate() GDSFile {
	d := gds.DefaultConfig()
	return GDSFile{
		ListenAddr:        d.ListenAddr,
		AdvertiseURL:      d.AdvertiseURL,
		GSSURL:            d.GSSURL,
		CorsOrigins:       []string{"http://localhost:3000"},
		RequestTimeout:    dur(d.RequestTimeout),
		HealthInterval:    dur(d.HealthInterval),
		MaxMissedPings:    d.MaxMissedPings,
		MaxServicesPerLDS: d.MaxServicesPerLDS,
		RehomeOrphans:     d.RehomeOrphans,
	}
}

func ldsTemplate() LDSFile {
	d := lds.DefaultServiceConfig()
	return LDSFile{
		ListenAddr:          d.ListenAddr,
		AdvertiseURL:        d.AdvertiseURL,
		GDSURL:              d.GDSURL,
		CorsOrigins:         []string{"http://localhost:3000"},
		RequestTimeout:      dur(d.RequestTimeout),
		HeartbeatInterval:   dur(d.HeartbeatInterval),
		PingWorkers:         d.PingWorkers,
		RegisterMaxAttempts: d.RegisterMaxAttempts,
		ServicesConfig:      "services.toml",
	}
}

func ldsServicesTemplate() lds.Config {
	cfg := lds.DefaultConfig()
	cfg.LauncherPath = "/usr/local/bin/service-launcher"
	cfg.ServicesLibraryPath = "/opt/sessionctl/services"
	crash := 2
	cfg.SupportedServices = []lds.SupportedService{
		{Name: "Solver", Type: "Solver", MaxCrashRestarts: &crash},
		{Name: "Viewer", Type: "Viewer", Websocket: true},
	}
	return cfg
}
