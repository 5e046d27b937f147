package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the CLI defaults file (~/.config/blasrt/config.yaml).
type Config struct {
	// Runtime
	Bitstream     string `yaml:"bitstream"`
	EngineConfig  string `yaml:"engine_config"`
	DiagnosticLog string `yaml:"diagnostic_log"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress     string  `yaml:"server_address"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blasrt", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyRuntimeConfig(c *cli.Command, cfg Config) {
	if cfg.DiagnosticLog != "" && !c.IsSet("diag-log") {
		diagnosticLog = cfg.DiagnosticLog
	}
}

// runtimePaths returns the bitstream and engine config paths from the
// positional arguments, falling back to the config file.
func runtimePaths(c *cli.Command, cfg Config) (bitPath, cfgPath string) {
	bitPath, cfgPath = c.Args().Get(0), c.Args().Get(1)
	if bitPath == "" {
		bitPath = cfg.Bitstream
	}
	if cfgPath == "" {
		cfgPath = cfg.EngineConfig
	}
	return bitPath, cfgPath
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string, rps *float64) {
	applyRuntimeConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RequestsPerSecond > 0 && !c.IsSet("rps") {
		*rps = cfg.RequestsPerSecond
	}
}
