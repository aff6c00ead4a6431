// Package config loads runtime configuration from the environment and
// the policy files (entitlement matrix, quota limits, providers).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/entitlegate/entitlegate/internal/quota"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the process configuration. Environment variables override
// the defaults; an optional .env file in the config directory is
// loaded first.
type Config struct {
	ListenAddr string `env:"ENTITLEGATE_LISTEN" envDefault:":7700"`
	ConfigDir  string `env:"ENTITLEGATE_CONFIG_DIR" envDefault:"/etc/entitlegate"`
	DataDir    string `env:"ENTITLEGATE_DATA_DIR" envDefault:"/var/lib/entitlegate"`

	LogLevel  string `env:"ENTITLEGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ENTITLEGATE_LOG_FORMAT" envDefault:"auto"`

	// LicenseEndpoint selects remote verification. Empty selects local
	// signature verification against LicensePublicKey.
	LicenseEndpoint  string        `env:"ENTITLEGATE_LICENSE_ENDPOINT"`
	LicensePublicKey string        `env:"ENTITLEGATE_LICENSE_PUBLIC_KEY"`
	LicenseTimeout   time.Duration `env:"ENTITLEGATE_LICENSE_TIMEOUT" envDefault:"10s"`
	LicenseCacheTTL  time.Duration `env:"ENTITLEGATE_LICENSE_CACHE_TTL" envDefault:"15m"`
	LicenseGrace     time.Duration `env:"ENTITLEGATE_LICENSE_GRACE" envDefault:"24h"`

	RiskThreshold     float64       `env:"ENTITLEGATE_RISK_THRESHOLD" envDefault:"0.7"`
	EscalationTimeout time.Duration `env:"ENTITLEGATE_ESCALATION_TIMEOUT" envDefault:"5m"`

	// Policy file names, resolved relative to ConfigDir.
	MatrixFile    string `env:"ENTITLEGATE_MATRIX_FILE" envDefault:"entitlements.json"`
	LimitsFile    string `env:"ENTITLEGATE_LIMITS_FILE" envDefault:"quotas.json"`
	ProvidersFile string `env:"ENTITLEGATE_PROVIDERS_FILE" envDefault:"providers.json"`
}

// Load reads configuration from the environment, loading a .env file
// from dir first when one exists.
func Load(dir string) (*Config, error) {
	if dir != "" {
		envPath := filepath.Join(dir, ".env")
		if err := godotenv.Load(envPath); err == nil {
			log.Debug().Str("path", envPath).Msg("Loaded .env file")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if dir != "" {
		cfg.ConfigDir = dir
	}
	if cfg.RiskThreshold <= 0 || cfg.RiskThreshold > 1 {
		return nil, fmt.Errorf("risk threshold must be in (0, 1], got %v", cfg.RiskThreshold)
	}
	return cfg, nil
}

// MatrixPath returns the entitlement matrix file path.
func (c *Config) MatrixPath() string { return filepath.Join(c.ConfigDir, c.MatrixFile) }

// LimitsPath returns the quota limits file path.
func (c *Config) LimitsPath() string { return filepath.Join(c.ConfigDir, c.LimitsFile) }

// ProvidersPath returns the provider routing file path.
func (c *Config) ProvidersPath() string { return filepath.Join(c.ConfigDir, c.ProvidersFile) }

// limitsFormat is the wire shape of the quota limits file:
// resource -> tier -> {amount, period}.
type limitsFormat map[string]map[string]struct {
	Amount int64  `json:"amount"`
	Period string `json:"period"`
}

// LoadLimits reads a quota limits document from disk.
func LoadLimits(path string) (quota.Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota limits: %w", err)
	}
	return ParseLimits(data)
}

// ParseLimits builds quota limits from a JSON document.
func ParseLimits(data []byte) (quota.Limits, error) {
	var f limitsFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse quota limits: %w", err)
	}

	limits := make(quota.Limits, len(f))
	for resource, byTier := range f {
		if resource == "" {
			return nil, fmt.Errorf("quota limits: empty resource name")
		}
		limits[resource] = make(map[tier.Tier]quota.Limit, len(byTier))
		for tierName, l := range byTier {
			tr, err := tier.ParseTier(tierName)
			if err != nil {
				return nil, fmt.Errorf("quota limits for %s: %w", resource, err)
			}
			period, err := quota.ParsePeriod(l.Period)
			if err != nil {
				return nil, fmt.Errorf("quota limits for %s/%s: %w", resource, tierName, err)
			}
			if l.Amount < quota.Unlimited {
				return nil, fmt.Errorf("quota limits for %s/%s: amount %d out of range", resource, tierName, l.Amount)
			}
			limits[resource][tr] = quota.Limit{Amount: l.Amount, Period: period}
		}
	}
	return limits, nil
}
