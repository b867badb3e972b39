package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dmitrijs2005/possync/internal/client/backup"
)

// Config holds runtime settings of the possync client.
type Config struct {
	ServerURL    string
	DataDir      string
	DatabasePath string
	// DeviceID is generated once and persisted when left empty.
	DeviceID string

	AutoSyncInterval    time.Duration
	OnlineCheckInterval time.Duration
	ProbeTimeout        time.Duration
	RequestTimeout      time.Duration

	QueueRetryCeiling  int
	LogRetention       int
	FreeVisitThreshold int

	CompressBatches bool
	LinkEnabled     bool
	GRPCHealthAddr  string
	MetricsAddr     string

	LogLevel   string
	LogBackend string

	Backup backup.S3Config
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ServerURL:           "http://127.0.0.1:8080",
		DatabasePath:        "possync.db",
		AutoSyncInterval:    5 * time.Minute,
		OnlineCheckInterval: 30 * time.Second,
		ProbeTimeout:        3 * time.Second,
		RequestTimeout:      15 * time.Second,
		QueueRetryCeiling:   3,
		LogRetention:        1000,
		FreeVisitThreshold:  10,
		LogLevel:            "info",
		LogBackend:          "slog",
		Backup:              backup.S3Config{Region: "us-east-1"},
	}
}

var ErrInvalid = errors.New("invalid configuration")

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server url %q", ErrInvalid, c.ServerURL)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: empty database path", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"auto sync interval":    c.AutoSyncInterval,
		"online check interval": c.OnlineCheckInterval,
		"probe timeout":         c.ProbeTimeout,
		"request timeout":       c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.QueueRetryCeiling <= 0 {
		return fmt.Errorf("%w: queue retry ceiling must be positive", ErrInvalid)
	}
	if c.FreeVisitThreshold < 0 {
		return fmt.Errorf("%w: free visit threshold must not be negative", ErrInvalid)
	}
	switch c.LogBackend {
	case "slog", "zap":
	default:
		return fmt.Errorf("%w: log backend %q", ErrInvalid, c.LogBackend)
	}
	return nil
}
