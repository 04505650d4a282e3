package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type SourceConfig struct {
	URL string `toml:"url"`
}

type TargetConfig struct {
	URL string `toml:"url"`
}

type CatchupConfig struct {
	CDCDir       string `toml:"cdc_dir"`
	Origin       string `toml:"origin"`
	Mode         string `toml:"mode"`
	PollInterval string `toml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Source  SourceConfig  `toml:"source"`
	Target  TargetConfig  `toml:"target"`
	Catchup CatchupConfig `toml:"catchup"`
	Logging LoggingConfig `toml:"logging"`
}

func Defaults() Config {
	return Config{
		Source: SourceConfig{
			URL: "postgres://localhost:5432/pgcatchup_source?sslmode=disable",
		},
		Target: TargetConfig{
			URL: "postgres://localhost:5432/pgcatchup_target?sslmode=disable",
		},
		Catchup: CatchupConfig{
			CDCDir:       "/var/lib/pgcatchup/cdc",
			Origin:       "pgcatchup",
			Mode:         "prefetch",
			PollInterval: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgcatchup", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgcatchup/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PGCATCHUP_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("PGCATCHUP_TARGET_URL"); v != "" {
		cfg.Target.URL = v
	}
	if v := os.Getenv("PGCATCHUP_CDC_DIR"); v != "" {
		cfg.Catchup.CDCDir = v
	}
	if v := os.Getenv("PGCATCHUP_ORIGIN"); v != "" {
		cfg.Catchup.Origin = v
	}
	if v := os.Getenv("PGCATCHUP_POLL_INTERVAL"); v != "" {
		cfg.Catchup.PollInterval = v
	}
	if v := os.Getenv("PGCATCHUP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PGCATCHUP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
