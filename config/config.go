package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stocklend/native/shortpool"
)

// Config is the top-level node configuration decoded from TOML.
type Config struct {
	RPCAddress        string `toml:"RPCAddress"`
	DataDir           string `toml:"DataDir"`
	Environment       string `toml:"Environment"`
	RPCAuthTokenEnv   string `toml:"RPCAuthTokenEnv"`
	RequestsPerMinute int    `toml:"RequestsPerMinute"`

	ShortPool shortpool.Config `toml:"shortpool"`

	Custody  ServiceConfig `toml:"custody"`
	Reserve  ServiceConfig `toml:"reserve"`
	Oracle   ServiceConfig `toml:"oracle"`
	Exchange ServiceConfig `toml:"exchange"`
}

// ServiceConfig points at one external collaborator endpoint.
type ServiceConfig struct {
	BaseURL      string `toml:"BaseURL"`
	AuthTokenEnv string `toml:"AuthTokenEnv"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// AuthToken resolves a service bearer token from the configured environment
// variable.
func (s ServiceConfig) AuthToken() string {
	env := strings.TrimSpace(s.AuthTokenEnv)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

// RPCAuthToken resolves the RPC bearer token from the configured environment
// variable.
func (c *Config) RPCAuthToken() string {
	env := strings.TrimSpace(c.RPCAuthTokenEnv)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./stocklend-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.RPCAuthTokenEnv) == "" {
		cfg.RPCAuthTokenEnv = "STOCKLEND_RPC_TOKEN"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if strings.TrimSpace(cfg.ShortPool.Ticker) == "" {
		cfg.ShortPool.Ticker = "ACME"
	}
	if strings.TrimSpace(cfg.ShortPool.ModuleAccount) == "" {
		cfg.ShortPool.ModuleAccount = "0x00000000000000000000000000000000000000ee"
	}
}

func validate(cfg *Config) error {
	if _, err := shortpool.ParseAddress(cfg.ShortPool.ModuleAccount); err != nil {
		return fmt.Errorf("invalid shortpool module account: %w", err)
	}
	for name, svc := range map[string]ServiceConfig{
		"custody":  cfg.Custody,
		"reserve":  cfg.Reserve,
		"oracle":   cfg.Oracle,
		"exchange": cfg.Exchange,
	} {
		if strings.TrimSpace(svc.BaseURL) == "" {
			return fmt.Errorf("%s BaseURL is required", name)
		}
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:        ":8080",
		DataDir:           "./stocklend-data",
		Environment:       "local",
		RPCAuthTokenEnv:   "STOCKLEND_RPC_TOKEN",
		RequestsPerMinute: 600,
		ShortPool: shortpool.Config{
			Ticker:                  "ACME",
			ModuleAccount:           "0x00000000000000000000000000000000000000ee",
			LiquidationThresholdBps: 4000,
		},
		Custody:  ServiceConfig{BaseURL: "http://127.0.0.1:9101", AuthTokenEnv: "STOCKLEND_CUSTODY_TOKEN"},
		Reserve:  ServiceConfig{BaseURL: "http://127.0.0.1:9102", AuthTokenEnv: "STOCKLEND_RESERVE_TOKEN"},
		Oracle:   ServiceConfig{BaseURL: "http://127.0.0.1:9103", AuthTokenEnv: "STOCKLEND_ORACLE_TOKEN"},
		Exchange: ServiceConfig{BaseURL: "http://127.0.0.1:9104", AuthTokenEnv: "STOCKLEND_EXCHANGE_TOKEN"},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
