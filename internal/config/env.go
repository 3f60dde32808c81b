package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvOverrides are read from RITUAL_* environment variables and win over the
// file, so secrets can stay out of it.
type EnvOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	HTTPAddr      string `envconfig:"HTTP_ADDR"`
	Timezone      string `envconfig:"TIMEZONE"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	PprofToken    string `envconfig:"PPROF_TOKEN"`
}

const envPrefix = "RITUAL"

// ApplyEnv overlays non-empty environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var env EnvOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return err
	}
	env.apply(cfg)
	return nil
}

func (e EnvOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Storage.DSN, e.StorageDSN)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.Interrupts.Timezone, e.Timezone)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Pprof.Token, e.PprofToken)
}
