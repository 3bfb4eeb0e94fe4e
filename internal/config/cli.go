package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// CLIFlags are command-line overrides. A nil field was not given.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("agenthost", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", DefaultConfigFile, "path to the YAML config file")
	port := fs.StringP("port", "p", "", "HTTP listen port")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var f CLIFlags
	if fs.Changed("config") {
		f.ConfigPath = configPath
	}
	if fs.Changed("port") {
		f.Port = port
	}
	if fs.Changed("log-level") {
		f.LogLevel = logLevel
	}
	if fs.Changed("dsn") {
		f.DSN = dsn
	}
	if fs.Changed("nats-url") {
		f.NatsURL = natsURL
	}
	return f, nil
}

// applyCLI overlays the given flags onto cfg.
func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
}

// LoadWithCLI loads defaults < YAML < ENV < flags and returns the config
// together with the YAML path it read.
func LoadWithCLI(f CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if f.ConfigPath != nil {
		path = *f.ConfigPath
	}
	cfg, err := load(path, f)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
