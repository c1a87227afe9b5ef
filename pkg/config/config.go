// Package config loads the node's static YAML configuration: its own
// identity, peer addresses, and the tunables node.Options exposes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerAddr is one member's network address, as written in the config file.
type PeerAddr struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// Config is the full on-disk shape of a node's config file.
type Config struct {
	NodeID             string        `yaml:"node_id"`
	DataDir            string        `yaml:"data_dir"`
	ListenAddr         string        `yaml:"listen_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	Peers              []PeerAddr    `yaml:"peers"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	BatchSize          int           `yaml:"batch_size"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the configuration a single-node demo cluster starts with.
func Default() Config {
	return Config{
		DataDir:            "./data",
		ListenAddr:         "127.0.0.1:7000",
		MetricsAddr:        "127.0.0.1:9100",
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		BatchSize:          64,
		LogLevel:           "info",
	}
}

// Load reads and parses a YAML config file, starting from Default() so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("config: node_id is required")
	}
	return cfg, nil
}
