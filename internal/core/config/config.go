package config

import (
	"time"

	"github.com/vietddude/autopay/internal/infra/queue"
	"github.com/vietddude/autopay/internal/infra/redis"
	"github.com/vietddude/autopay/internal/infra/storage/postgres"
	"github.com/vietddude/autopay/internal/payment/x402"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  postgres.Config `yaml:"database"`
	Redis     redis.Config    `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     queue.Config    `yaml:"queue"`
	Payment   PaymentConfig   `yaml:"payment"`
	Signer    SignerConfig    `yaml:"signer"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SchedulerConfig holds sweep settings.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PaymentConfig holds the facilitator endpoint and the chain-level payment
// parameters.
type PaymentConfig struct {
	FacilitatorURL     string        `yaml:"facilitator_url"`
	FacilitatorTimeout time.Duration `yaml:"facilitator_timeout"`
	RPCURL             string        `yaml:"rpc_url"`
	X402               x402.Config   `yaml:",inline"`
}

// SignerConfig holds the payer wallet key. Always injected through the
// environment, never written to the YAML file directly.
type SignerConfig struct {
	PrivateKey string `yaml:"private_key"`
}
