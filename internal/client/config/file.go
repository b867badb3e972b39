package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/possync/internal/client/backup"
	"github.com/dmitrijs2005/possync/internal/timex"
)

// fileConfig is the on-disk form. Durations accept strings such as "5m" or
// integer nanoseconds.
type fileConfig struct {
	ServerURL    string `json:"server_url" yaml:"server_url"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
	DeviceID     string `json:"device_id" yaml:"device_id"`

	AutoSyncInterval    timex.Duration `json:"auto_sync_interval" yaml:"auto_sync_interval"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval" yaml:"online_check_interval"`
	ProbeTimeout        timex.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	RequestTimeout      timex.Duration `json:"request_timeout" yaml:"request_timeout"`

	QueueRetryCeiling  int `json:"queue_retry_ceiling" yaml:"queue_retry_ceiling"`
	LogRetention       int `json:"log_retention" yaml:"log_retention"`
	FreeVisitThreshold int `json:"free_visit_threshold" yaml:"free_visit_threshold"`

	CompressBatches bool   `json:"compress_batches" yaml:"compress_batches"`
	LinkEnabled     bool   `json:"link_enabled" yaml:"link_enabled"`
	GRPCHealthAddr  string `json:"grpc_health_addr" yaml:"grpc_health_addr"`
	MetricsAddr     string `json:"metrics_addr" yaml:"metrics_addr"`

	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogBackend string `json:"log_backend" yaml:"log_backend"`

	Backup backup.S3Config `json:"backup" yaml:"backup"`
}

func toFile(c Config) fileConfig {
	return fileConfig{
		ServerURL:           c.ServerURL,
		DataDir:             c.DataDir,
		DatabasePath:        c.DatabasePath,
		DeviceID:            c.DeviceID,
		AutoSyncInterval:    timex.Duration{Duration: c.AutoSyncInterval},
		OnlineCheckInterval: timex.Duration{Duration: c.OnlineCheckInterval},
		ProbeTimeout:        timex.Duration{Duration: c.ProbeTimeout},
		RequestTimeout:      timex.Duration{Duration: c.RequestTimeout},
		QueueRetryCeiling:   c.QueueRetryCeiling,
		LogRetention:        c.LogRetention,
		FreeVisitThreshold:  c.FreeVisitThreshold,
		CompressBatches:     c.CompressBatches,
		LinkEnabled:         c.LinkEnabled,
		GRPCHealthAddr:      c.GRPCHealthAddr,
		MetricsAddr:         c.MetricsAddr,
		LogLevel:            c.LogLevel,
		LogBackend:          c.LogBackend,
		Backup:              c.Backup,
	}
}

func (f fileConfig) config() Config {
	return Config{
		ServerURL:           f.ServerURL,
		DataDir:             f.DataDir,
		DatabasePath:        f.DatabasePath,
		DeviceID:            f.DeviceID,
		AutoSyncInterval:    f.AutoSyncInterval.Duration,
		OnlineCheckInterval: f.OnlineCheckInterval.Duration,
		ProbeTimeout:        f.ProbeTimeout.Duration,
		RequestTimeout:      f.RequestTimeout.Duration,
		QueueRetryCeiling:   f.QueueRetryCeiling,
		LogRetention:        f.LogRetention,
		FreeVisitThreshold:  f.FreeVisitThreshold,
		CompressBatches:     f.CompressBatches,
		LinkEnabled:         f.LinkEnabled,
		GRPCHealthAddr:      f.GRPCHealthAddr,
		MetricsAddr:         f.MetricsAddr,
		LogLevel:            f.LogLevel,
		LogBackend:          f.LogBackend,
		Backup:              f.Backup,
	}
}

// LoadFile overlays cfg with the values present in path. Keys missing from
// the file keep their current value. YAML is used for .yaml and .yml files,
// JSON otherwise.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	fc := toFile(*cfg)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	*cfg = fc.config()
	return nil
}
