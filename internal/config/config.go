package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"github.com/wing32s/gogrepoc/internal/validate"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration options for the application.
type Config struct {
	Root              string        `yaml:"root,omitempty"`
	Workers           int           `yaml:"workers,omitempty" validate:"min=1,max=64"`
	MaxRetries        int           `yaml:"maxRetries,omitempty" validate:"min=0"`
	RetryDelay        time.Duration `yaml:"retryDelay,omitempty"`
	ReadTimeout       time.Duration `yaml:"readTimeout,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout,omitempty"`
	Budget            string        `yaml:"budget,omitempty"`
	Preallocate       *bool         `yaml:"preallocate,omitempty"`
	UserAgent         string        `yaml:"userAgent,omitempty"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond,omitempty" validate:"min=0"`
	Store             string        `yaml:"store,omitempty"`
	MetricsAddr       string        `yaml:"metricsAddr,omitempty"`
	Auth              *AuthConfig   `yaml:"auth,omitempty"`
	S3                *S3Config     `yaml:"s3,omitempty"`
}

// AuthConfig describes the refresh grant used to renew the bearer token.
type AuthConfig struct {
	ClientID      string        `yaml:"clientId,omitempty"`
	ClientSecret  string        `yaml:"clientSecret,omitempty"`
	TokenURL      string        `yaml:"tokenUrl,omitempty" validate:"omitempty,url"`
	TokenFile     string        `yaml:"tokenFile,omitempty"`
	RenewWindow   time.Duration `yaml:"renewWindow,omitempty"`
	RenewAttempts int           `yaml:"renewAttempts,omitempty" validate:"min=0"`
}

type S3Config struct {
	Profile  string `yaml:"profile,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" validate:"omitempty,url"`
}

// Enabled reports whether enough is configured to renew tokens.
func (a *AuthConfig) Enabled() bool {
	return a != nil && a.TokenURL != ""
}

func (c *Config) PreallocateEnabled() bool {
	return c.Preallocate == nil || *c.Preallocate
}

// Path returns the location of the configuration file.
func Path() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// GetConfig reads the configuration file at configPath, or at Path when
// configPath is empty. A missing or empty file yields the defaults.
func GetConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = Path()
	}
	defaults := DefaultConfig()

	b, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", configPath, err)
	}

	authCfg := zeroOr(cfg.Auth, defaults.Auth)
	s3Cfg := zeroOr(cfg.S3, defaults.S3)

	merged := &Config{
		Root:              zeroOr(cfg.Root, defaults.Root),
		Workers:           zeroOr(cfg.Workers, defaults.Workers),
		MaxRetries:        zeroOr(cfg.MaxRetries, defaults.MaxRetries),
		RetryDelay:        zeroOr(cfg.RetryDelay, defaults.RetryDelay),
		ReadTimeout:       zeroOr(cfg.ReadTimeout, defaults.ReadTimeout),
		ConnectTimeout:    zeroOr(cfg.ConnectTimeout, defaults.ConnectTimeout),
		Budget:            zeroOr(cfg.Budget, defaults.Budget),
		Preallocate:       zeroOr(cfg.Preallocate, defaults.Preallocate),
		UserAgent:         zeroOr(cfg.UserAgent, defaults.UserAgent),
		RequestsPerSecond: zeroOr(cfg.RequestsPerSecond, defaults.RequestsPerSecond),
		Store:             zeroOr(cfg.Store, defaults.Store),
		MetricsAddr:       zeroOr(cfg.MetricsAddr, defaults.MetricsAddr),
		Auth: &AuthConfig{
			ClientID:      zeroOr(authCfg.ClientID, defaults.Auth.ClientID),
			ClientSecret:  zeroOr(authCfg.ClientSecret, defaults.Auth.ClientSecret),
			TokenURL:      zeroOr(authCfg.TokenURL, defaults.Auth.TokenURL),
			TokenFile:     zeroOr(authCfg.TokenFile, defaults.Auth.TokenFile),
			RenewWindow:   zeroOr(authCfg.RenewWindow, defaults.Auth.RenewWindow),
			RenewAttempts: zeroOr(authCfg.RenewAttempts, defaults.Auth.RenewAttempts),
		},
		S3: &S3Config{
			Profile:  zeroOr(s3Cfg.Profile, defaults.S3.Profile),
			Region:   zeroOr(s3Cfg.Region, defaults.S3.Region),
			Endpoint: zeroOr(s3Cfg.Endpoint, defaults.S3.Endpoint),
		},
	}
	if err := validate.Struct(merged); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return merged, nil
}

func DefaultConfig() Config {
	prealloc := preallocate
	return Config{
		Root:              defaultRoot(),
		Workers:           workers,
		MaxRetries:        maxRetries,
		RetryDelay:        retryDelay,
		ReadTimeout:       readTimeout,
		ConnectTimeout:    connectTimeout,
		Preallocate:       &prealloc,
		UserAgent:         userAgent,
		RequestsPerSecond: requestsPerSecond,
		Store:             defaultStore(),
		Auth: &AuthConfig{
			TokenFile:     defaultTokenFile(),
			RenewWindow:   renewWindow,
			RenewAttempts: renewAttempts,
		},
		S3: &S3Config{},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}
	return v
}
