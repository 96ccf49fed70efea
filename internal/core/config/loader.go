package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/autopay/internal/payment/x402"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = 5 * time.Minute
	}
	if cfg.Payment.FacilitatorTimeout == 0 {
		cfg.Payment.FacilitatorTimeout = 30 * time.Second
	}
	if len(cfg.Payment.X402.FallbackDomains) == 0 {
		cfg.Payment.X402.FallbackDomains = x402.FallbackDomainNames
	}

	return &cfg, nil
}
