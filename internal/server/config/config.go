// Package config handles configuration for the sync server: built-in
// defaults, an optional JSON or YAML file, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds runtime settings of the sync server.
//
// An empty DatabaseDSN selects the in-memory record store. An empty
// GRPCAddr disables the gRPC health endpoint. IssueToken, when set, makes
// the server print a bearer token for that operator and exit.
type Config struct {
	HTTPAddr           string
	GRPCAddr           string
	DatabaseDSN        string
	SecretKey          string
	TokenTTL           time.Duration
	MetricsEnabled     bool
	SeedOfferings      bool
	FreeVisitThreshold int
	LogLevel           string
	LogBackend         string
	IssueToken         string
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secret key must be overridden outside development.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.GRPCAddr = ":50051"
	c.DatabaseDSN = ""
	c.SecretKey = "secretKey"
	c.TokenTTL = 24 * time.Hour
	c.MetricsEnabled = true
	c.SeedOfferings = true
	c.FreeVisitThreshold = 10
	c.LogLevel = "info"
	c.LogBackend = "slog"
}

var ErrInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: empty http address", ErrInvalid)
	case c.SecretKey == "":
		return fmt.Errorf("%w: empty secret key", ErrInvalid)
	case c.TokenTTL <= 0:
		return fmt.Errorf("%w: token ttl must be positive", ErrInvalid)
	case c.FreeVisitThreshold < 2:
		return fmt.Errorf("%w: free visit threshold must be at least 2", ErrInvalid)
	}
	return nil
}

// LoadConfig applies defaults, then the file named by -c/-config, then the
// remaining flags in args.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
