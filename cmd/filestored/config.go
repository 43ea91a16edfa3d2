package main

import (
	"os"
	"time"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/urfave/cli"
	yaml "gopkg.in/yaml.v2"
)

// seedMount is the on-disk shape of a single entry in the "mounts" list of
// the --config YAML file, mirroring cmn.BackendMount's non-generated fields (id,
// createdAt, updatedAt are filled in at registration time).
type seedMount struct {
	MountKey    string `yaml:"mountKey"`
	BackendKind string `yaml:"backendKind"`
	AccessMode  string `yaml:"accessMode"`
	RootPath    string `yaml:"rootPath"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
}

// fileConfig is the optional --config YAML document. Its shape matches
// cmn.Config exactly (spec.md §6.5) plus a "mounts" list this binary alone
// needs to bootstrap the Executor Registry; the loader itself living here,
// not in cmn, is deliberate - cmn.Config's doc comment says the struct is
// populated by an external collaborator, and cmd/filestored is that
// collaborator's one concrete instance.
type fileConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Database cmn.DatabaseConfig `yaml:"database"`
	Redis    cmn.RedisConfig    `yaml:"redis"`
	Events   cmn.EventsConfig   `yaml:"events"`
	Rollups  cmn.RollupsConfig  `yaml:"rollups"`
	Recon    cmn.ReconConfig    `yaml:"reconciliation"`
	Journal  cmn.JournalConfig  `yaml:"journal"`

	Mounts []seedMount `yaml:"mounts"`
}

// loadConfig builds a cmn.Config the way cmn/config.go's doc comment
// describes: starting from DefaultConfig, layering an optional --config
// YAML file over it, then applying explicit flag overrides last so a flag
// always wins over the file and the file always wins over the default.
func loadConfig(c *cli.Context) (cmn.Config, []seedMount, error) {
	cfg := cmn.DefaultConfig()
	var mounts []seedMount

	if path := c.String("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, nil, cmn.WrapInternal(err, "read config file")
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, nil, cmn.WrapInternal(err, "parse config file")
		}
		applyFileConfig(&cfg, fc)
		mounts = fc.Mounts
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("database-url") {
		cfg.Database.URL = c.String("database-url")
	}
	if c.IsSet("redis-url") {
		cfg.Redis.URL = c.String("redis-url")
	}
	if c.IsSet("redis-inline") {
		cfg.Redis.Inline = c.Bool("redis-inline")
	}
	if c.IsSet("events-mode") {
		cfg.Events.Mode = c.String("events-mode")
	}
	if c.IsSet("events-channel") {
		cfg.Events.Channel = c.String("events-channel")
	}
	cfg.AllowInlineMode = os.Getenv("APPHUB_ALLOW_INLINE_MODE") == "true"

	return cfg, mounts, nil
}

func applyFileConfig(cfg *cmn.Config, fc fileConfig) {
	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.Database.URL != "" {
		cfg.Database = fc.Database
	}
	if fc.Redis.URL != "" || fc.Redis.Inline {
		cfg.Redis = fc.Redis
	}
	if fc.Events.Mode != "" {
		cfg.Events = fc.Events
	}
	if fc.Rollups.QueueConcurrency != 0 {
		cfg.Rollups = fc.Rollups
	}
	if fc.Recon.QueueConcurrency != 0 {
		cfg.Recon = fc.Recon
	}
	if fc.Journal.RetentionDays != 0 {
		cfg.Journal = fc.Journal
	}
}

func journalPruneInterval(cfg cmn.JournalConfig) time.Duration {
	ms := cfg.PruneIntervalMs
	if ms <= 0 {
		ms = cmn.DefaultJournalPruneIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}
