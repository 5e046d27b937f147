// Package config reads the engine configuration that accompanies a
// bitstream: element type, kernel replication and device memory sizing.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid engine config")

const (
	DefaultMemoryBytes int64 = 256 << 20
	DataTypeFloat32          = "float32"
)

// Config mirrors the engine configuration file. Zero fields fall back to
// what the bitstream declares.
type Config struct {
	DataType      string `yaml:"data_type"`
	NumKernels    int    `yaml:"num_kernels"`
	TileAlignment int    `yaml:"tile_alignment"`
	MemoryBytes   int64  `yaml:"memory_bytes"`
	Engine        string `yaml:"engine"`
}

// Load reads a YAML config, or the legacy KEY=VALUE form used by
// config_info.dat files.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes config bytes in either supported form.
func Parse(data []byte) (Config, error) {
	var (
		cfg Config
		err error
	)
	if looksLegacy(data) {
		cfg, err = parseLegacy(data)
	} else {
		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataType == "" {
		c.DataType = DataTypeFloat32
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = DefaultMemoryBytes
	}
}

// Validate checks the data type and sizes. Parse calls it after defaults
// are applied.
func (c Config) Validate() error {
	switch c.DataType {
	case DataTypeFloat32, "float":
	default:
		return fmt.Errorf("%w: unsupported data type %q", ErrInvalidConfig, c.DataType)
	}
	if c.NumKernels < 0 {
		return fmt.Errorf("%w: num_kernels must be >= 0", ErrInvalidConfig)
	}
	if c.TileAlignment < 0 {
		return fmt.Errorf("%w: tile_alignment must be >= 0", ErrInvalidConfig)
	}
	if c.MemoryBytes < 0 {
		return fmt.Errorf("%w: memory_bytes must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// looksLegacy reports whether the first meaningful line is KEY=VALUE.
func looksLegacy(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		colon := strings.IndexByte(line, ':')
		return eq > 0 && (colon < 0 || eq < colon)
	}
	return false
}

func parseLegacy(data []byte) (Config, error) {
	var cfg Config
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, fmt.Errorf("%w: line %d: expected KEY=VALUE", ErrInvalidConfig, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "BLAS_dataType":
			cfg.DataType = value
		case "BLAS_numKernels":
			cfg.NumKernels, err = strconv.Atoi(value)
		case "BLAS_ddrWidth":
			cfg.TileAlignment, err = strconv.Atoi(value)
		case "BLAS_memoryBytes":
			cfg.MemoryBytes, err = strconv.ParseInt(value, 10, 64)
		case "BLAS_engine":
			cfg.Engine = value
		default:
			// other BLAS_* build parameters describe the hardware image only
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidConfig, lineNo, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
