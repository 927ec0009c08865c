// Package config loads and validates the proxy's JSON configuration
// document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level configuration document.
type Config struct {
	LogLevel                       int            `json:"logLevel"`
	Threads                        int            `json:"threads"`
	PoolLoadBalanceIntervalSeconds int            `json:"poolLoadBalanceIntervalSeconds"`
	Pools                          []PoolConfig   `json:"pools"`
	Server                         []ServerConfig `json:"server"`
	CCClient                       *CCClientConfig `json:"ccClient,omitempty"`
}

// PoolConfig is one entry of the `pools` array.
type PoolConfig struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	ConnectionType string  `json:"connectionType"`
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	Weight         float64 `json:"weight"`
	Algorithm      string  `json:"algorithm"`
}

// ServerConfig is one entry of the `server` array: a single downstream
// listener.
type ServerConfig struct {
	Host                        string `json:"host"`
	Port                        int    `json:"port"`
	ConnectionType              string `json:"connectionType"`
	CertificateChainFile        string `json:"certificateChainFile,omitempty"`
	PrivateKeyFile              string `json:"privateKeyFile,omitempty"`
	DefaultAlgorithm            string `json:"defaultAlgorithm"`
	DefaultAlgorithmVariant     string `json:"defaultAlgorithmVariant"`
	DefaultDifficulty           uint32 `json:"defaultDifficulty"`
	TargetSecondsBetweenSubmits int    `json:"targetSecondsBetweenSubmits"`
}

// CCClientConfig is the optional `ccClient` remote-control telemetry
// block.
type CCClientConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	ConnectionType        string `json:"connectionType"`
	WorkerID              string `json:"workerId"`
	AccessToken           string `json:"accessToken"`
	UpdateIntervalSeconds int    `json:"updateIntervalSeconds"`
}

// ConnectionType is a resolved, unambiguous transport choice, as
// opposed to the config file's "auto"|"tcp"|"tls" string.
type ConnectionType int

const (
	ConnectionTCP ConnectionType = iota
	ConnectionTLS
)

// ResolveConnectionType turns a config file's connectionType string into a
// concrete ConnectionType, resolving "auto" to TLS on port 443 and TCP
// everywhere else. Used by both server and pool construction so "auto" is
// interpreted identically on both sides of the proxy.
func ResolveConnectionType(kind string, port int) ConnectionType {
	switch kind {
	case "tls":
		return ConnectionTLS
	case "tcp":
		return ConnectionTCP
	default: // "auto" or unset
		if port == 443 {
			return ConnectionTLS
		}
		return ConnectionTCP
	}
}

// Load reads path, applies defaults, validates, and normalizes pool
// weights to sum to 1.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizeWeights(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PoolLoadBalanceIntervalSeconds == 0 {
		cfg.PoolLoadBalanceIntervalSeconds = 20
	}
	for i := range cfg.Pools {
		if cfg.Pools[i].ConnectionType == "" {
			cfg.Pools[i].ConnectionType = "auto"
		}
		if cfg.Pools[i].Weight == 0 {
			cfg.Pools[i].Weight = 1
		}
	}
	for i := range cfg.Server {
		s := &cfg.Server[i]
		if s.Host == "" {
			s.Host = "0.0.0.0"
		}
		if s.ConnectionType == "" {
			s.ConnectionType = "auto"
		}
		if s.DefaultDifficulty == 0 {
			s.DefaultDifficulty = 5000
		}
		if s.TargetSecondsBetweenSubmits == 0 {
			s.TargetSecondsBetweenSubmits = 15
		}
	}
	if cfg.CCClient != nil && cfg.CCClient.UpdateIntervalSeconds == 0 {
		cfg.CCClient.UpdateIntervalSeconds = 60
	}
}

// normalizeWeights scales every pool's weight so the set sums to 1.
func normalizeWeights(cfg *Config) {
	var total float64
	for _, p := range cfg.Pools {
		total += p.Weight
	}
	if total <= 0 {
		return
	}
	for i := range cfg.Pools {
		cfg.Pools[i].Weight /= total
	}
}

func validate(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("logLevel must be 0..5, got %d", cfg.LogLevel)
	}
	if len(cfg.Pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	if len(cfg.Server) == 0 {
		return fmt.Errorf("at least one server listener is required")
	}
	for i, p := range cfg.Pools {
		if p.Host == "" {
			return fmt.Errorf("pools[%d]: host is required", i)
		}
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("pools[%d]: invalid port %d", i, p.Port)
		}
	}
	var totalWeight float64
	for _, p := range cfg.Pools {
		totalWeight += p.Weight
	}
	if totalWeight <= 0 {
		return fmt.Errorf("pool weights must sum to a positive value, got %g", totalWeight)
	}
	for i, s := range cfg.Server {
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("server[%d]: invalid port %d", i, s.Port)
		}
		if ResolveConnectionType(s.ConnectionType, s.Port) == ConnectionTLS {
			if s.CertificateChainFile == "" || s.PrivateKeyFile == "" {
				return fmt.Errorf("server[%d]: TLS connection type requires certificateChainFile and privateKeyFile", i)
			}
		}
	}
	if cfg.CCClient != nil {
		if cfg.CCClient.Host == "" {
			return fmt.Errorf("ccClient: host is required when ccClient is configured")
		}
		if cfg.CCClient.AccessToken == "" {
			return fmt.Errorf("ccClient: accessToken is required when ccClient is configured")
		}
	}
	return nil
}
