// Package config loads node and control-plane configuration from a
// YAML file, with environment variables overriding anything that
// looks like a secret (signing keys, CA passphrases) so those never
// have to live on disk in plaintext next to the rest of the config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for an aegisd node.
type Config struct {
	NodeID   string         `yaml:"node_id"`
	TenantID string         `yaml:"tenant_id,omitempty"`
	Listen   ListenConfig   `yaml:"listen"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Raft     RaftConfig     `yaml:"raft"`
	Security SecurityConfig `yaml:"security"`
	Quotas   QuotaConfig    `yaml:"quotas,omitempty"`
}

type ListenConfig struct {
	ProtocolAddr string `yaml:"protocol_addr"`
	ControlAddr  string `yaml:"control_addr"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

type RaftConfig struct {
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers,omitempty"`
	DataDir   string   `yaml:"data_dir"`
}

// SecurityConfig holds PKI and signing material. Load reads
// SigningKey and CAPassphrase from the file like any other field, then
// overwrites each from its environment variable when that variable is
// set.
type SecurityConfig struct {
	CADir         string `yaml:"ca_dir"`
	SigningKey    string `yaml:"signing_key,omitempty"`
	CAPassphrase  string `yaml:"ca_passphrase,omitempty"`
	MTLSRequired  bool   `yaml:"mtls_required"`
}

type QuotaConfig struct {
	SoftThresholdPct int `yaml:"soft_threshold_pct,omitempty"`
}

const (
	envSigningKey   = "AEGIS_SIGNING_KEY"
	envCAPassphrase = "AEGIS_CA_PASSPHRASE"
)

// Load reads and parses a YAML config file at path, then applies
// environment overrides for secret fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: node_id is required")
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("config: storage.path is required")
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envSigningKey); v != "" {
		cfg.Security.SigningKey = v
	}
	if v := os.Getenv(envCAPassphrase); v != "" {
		cfg.Security.CAPassphrase = v
	}
}
