package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
)

var (
	config     *GatewayConfig
	configOnce sync.Once
	configErr  error
	configMu   sync.RWMutex
)

// Load loads the configuration from the given YAML file once and caches it
// globally. Subsequent calls return the cached config.
func Load(configPath string) (*GatewayConfig, error) {
	configOnce.Do(func() {
		cfg, err := Parse(configPath)
		if err != nil {
			configErr = err
			return
		}
		configMu.Lock()
		config = cfg
		configMu.Unlock()
	})
	if configErr != nil {
		return nil, configErr
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return config, nil
}

// Parse parses and validates the YAML config file without touching the
// global cache.
func Parse(configPath string) (*GatewayConfig, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts
	resolved, _ := filepath.EvalSymlinks(configPath)
	if resolved == "" {
		resolved = configPath
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &GatewayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	logging.Infof("Config loaded: tiers=%d overrides=%d remote=%v fail_open=%v",
		len(cfg.RateLimits.Tiers), len(cfg.RateLimits.Overrides),
		cfg.Prediction.Endpoint != "", cfg.FailOpen())
	return cfg, nil
}

// Get returns the cached configuration, or nil before Load succeeds.
func Get() *GatewayConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return config
}
