package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix starts every daemon override, followed by the role: SESSIONCTL_GSS_LISTEN_ADDR.
const EnvPrefix = "SESSIONCTL_"

// overrides are the environment settings applied after the config file.
// Empty values leave the file or default value in place.
type overrides struct {
	ListenAddr      string `env:"LISTEN_ADDR"`
	AdvertiseURL    string `env:"ADVERTISE_URL"`
	GSSURL          string `env:"GSS_URL"`
	GDSURL          string `env:"GDS_URL"`
	SelectionPolicy string `env:"SELECTION_POLICY"`
	ServicesConfig  string `env:"SERVICES_CONFIG"`
}

func loadOverrides(role string, environ map[string]string) (overrides, error) {
	var o overrides
	opts := env.Options{Prefix: EnvPrefix + strings.ToUpper(role) + "_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// apply copies set values onto the given targets; nil targets are skipped.
func (o overrides) apply(listen, advertise, gssURL, gdsURL *string) {
	set := func(dst *string, v string) {
		if dst != nil && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(listen, o.ListenAddr)
	set(advertise, o.AdvertiseURL)
	set(gssURL, o.GSSURL)
	set(gdsURL, o.GDSURL)
}
