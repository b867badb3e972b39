package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/possync/internal/flagx"
	"github.com/dmitrijs2005/possync/internal/timex"
)

// FileConfig is the on-disk form. Pointer fields distinguish "absent" from
// a zero value so a file can switch booleans off.
type FileConfig struct {
	HTTPAddr           *string         `json:"http_addr" yaml:"http_addr"`
	GRPCAddr           *string         `json:"grpc_addr" yaml:"grpc_addr"`
	DatabaseDSN        *string         `json:"database_dsn" yaml:"database_dsn"`
	SecretKey          *string         `json:"secret_key" yaml:"secret_key"`
	TokenTTL           *timex.Duration `json:"token_ttl" yaml:"token_ttl"`
	MetricsEnabled     *bool           `json:"metrics_enabled" yaml:"metrics_enabled"`
	SeedOfferings      *bool           `json:"seed_offerings" yaml:"seed_offerings"`
	FreeVisitThreshold *int            `json:"free_visit_threshold" yaml:"free_visit_threshold"`
	LogLevel           *string         `json:"log_level" yaml:"log_level"`
	LogBackend         *string         `json:"log_backend" yaml:"log_backend"`
}

func (f *FileConfig) apply(cfg *Config) {
	setIf(&cfg.HTTPAddr, f.HTTPAddr)
	setIf(&cfg.GRPCAddr, f.GRPCAddr)
	setIf(&cfg.DatabaseDSN, f.DatabaseDSN)
	setIf(&cfg.SecretKey, f.SecretKey)
	if f.TokenTTL != nil {
		cfg.TokenTTL = f.TokenTTL.Duration
	}
	setIf(&cfg.MetricsEnabled, f.MetricsEnabled)
	setIf(&cfg.SeedOfferings, f.SeedOfferings)
	setIf(&cfg.FreeVisitThreshold, f.FreeVisitThreshold)
	setIf(&cfg.LogLevel, f.LogLevel)
	setIf(&cfg.LogBackend, f.LogBackend)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// parseFile overlays the file named by -c/-config, if any. Files ending in
// .yaml or .yml are YAML, anything else is JSON.
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	fc.apply(cfg)
	return nil
}
