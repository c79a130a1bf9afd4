package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration for the shaledb process.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig covers the optional debug HTTP listener.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DBConfig maps onto store.Options.
type DBConfig struct {
	Path             string `yaml:"path"`
	CreateIfMissing  bool   `yaml:"create_if_missing"`
	ErrorIfExists    bool   `yaml:"error_if_exists"`
	ParanoidChecks   bool   `yaml:"paranoid_checks"`
	WriteBufferBytes int    `yaml:"write_buffer_bytes"`
	MaxOpenFiles     int    `yaml:"max_open_files"`
	BlockSizeBytes   int    `yaml:"block_size_bytes"`
	BlockCacheBytes  int64  `yaml:"block_cache_bytes"`
	BloomBitsPerKey  int    `yaml:"bloom_bits_per_key"`
	// Compression is one of "none", "snappy", "zstd".
	Compression string `yaml:"compression"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    8080,
		},
		DB: DBConfig{
			Path:             "./data",
			CreateIfMissing:  true,
			WriteBufferBytes: 4 << 20,
			MaxOpenFiles:     1000,
			BlockSizeBytes:   4096,
			BlockCacheBytes:  8 << 20,
			BloomBitsPerKey:  10,
			Compression:      "snappy",
		},
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
