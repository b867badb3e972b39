package config

import "github.com/spf13/pflag"

const (
	FlagConfig = "config"
	FlagServer = "server"
	FlagData   = "data-dir"
)

// Flags binds the persistent command-line options of the client.
type Flags struct {
	path string
	cfg  Config
}

// Register adds the client options to fs. Flag defaults show the built-in
// configuration.
func (f *Flags) Register(fs *pflag.FlagSet) {
	f.cfg = Defaults()
	c := &f.cfg

	fs.StringVarP(&f.path, FlagConfig, "c", "", "path to a JSON or YAML config file")
	fs.StringVarP(&c.ServerURL, FlagServer, "a", c.ServerURL, "base url of the sync server")
	fs.StringVarP(&c.DataDir, FlagData, "d", c.DataDir, "directory for the local store")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "database file, relative to the data directory")
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "device identifier (generated when empty)")
	fs.DurationVarP(&c.AutoSyncInterval, "interval", "i", c.AutoSyncInterval, "automatic sync interval")
	fs.DurationVar(&c.OnlineCheckInterval, "online-check", c.OnlineCheckInterval, "connectivity probe interval")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "timeout of a single connectivity probe")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout of a sync request")
	fs.IntVar(&c.QueueRetryCeiling, "retry-ceiling", c.QueueRetryCeiling, "failed attempts allowed before a queue item is parked")
	fs.IntVar(&c.LogRetention, "log-retention", c.LogRetention, "sync log entries to keep")
	fs.IntVar(&c.FreeVisitThreshold, "free-visit", c.FreeVisitThreshold, "every Nth visit is free, 0 disables")
	fs.BoolVar(&c.CompressBatches, "compress", c.CompressBatches, "snappy-compress outgoing batches")
	fs.BoolVar(&c.LinkEnabled, "link", c.LinkEnabled, "keep a websocket open for change notifications")
	fs.StringVarP(&c.GRPCHealthAddr, "grpc-health", "g", c.GRPCHealthAddr, "probe reachability via gRPC health at host:port")
	fs.StringVarP(&c.MetricsAddr, "metrics", "m", c.MetricsAddr, "serve prometheus metrics at host:port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogBackend, "log-backend", c.LogBackend, "slog or zap")
	fs.StringVar(&c.Backup.Bucket, "backup-bucket", c.Backup.Bucket, "S3 bucket for store backups")
	fs.StringVar(&c.Backup.Endpoint, "backup-endpoint", c.Backup.Endpoint, "S3-compatible endpoint url")
	fs.StringVar(&c.Backup.Region, "backup-region", c.Backup.Region, "S3 region")
	fs.StringVar(&c.Backup.Passphrase, "backup-passphrase", c.Backup.Passphrase, "seal snapshots with this passphrase")
}

// Load resolves the configuration: defaults, then the config file if one was
// given, then every flag set explicitly on the command line.
func (f *Flags) Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()
	if f.path != "" {
		if err := LoadFile(f.path, &cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(fl *pflag.Flag) { f.apply(&cfg, fl.Name) })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (f *Flags) apply(cfg *Config, name string) {
	c := &f.cfg
	switch name {
	case FlagServer:
		cfg.ServerURL = c.ServerURL
	case FlagData:
		cfg.DataDir = c.DataDir
	case "db":
		cfg.DatabasePath = c.DatabasePath
	case "device-id":
		cfg.DeviceID = c.DeviceID
	case "interval":
		cfg.AutoSyncInterval = c.AutoSyncInterval
	case "online-check":
		cfg.OnlineCheckInterval = c.OnlineCheckInterval
	case "probe-timeout":
		cfg.ProbeTimeout = c.ProbeTimeout
	case "request-timeout":
		cfg.RequestTimeout = c.RequestTimeout
	case "retry-ceiling":
		cfg.QueueRetryCeiling = c.QueueRetryCeiling
	case "log-retention":
		cfg.LogRetention = c.LogRetention
	case "free-visit":
		cfg.FreeVisitThreshold = c.FreeVisitThreshold
	case "compress":
		cfg.CompressBatches = c.CompressBatches
	case "link":
		cfg.LinkEnabled = c.LinkEnabled
	case "grpc-health":
		cfg.GRPCHealthAddr = c.GRPCHealthAddr
	case "metrics":
		cfg.MetricsAddr = c.MetricsAddr
	case "log-level":
		cfg.LogLevel = c.LogLevel
	case "log-backend":
		cfg.LogBackend = c.LogBackend
	case "backup-bucket":
		cfg.Backup.Bucket = c.Backup.Bucket
	case "backup-endpoint":
		cfg.Backup.Endpoint = c.Backup.Endpoint
	case "backup-region":
		cfg.Backup.Region = c.Backup.Region
	case "backup-passphrase":
		cfg.Backup.Passphrase = c.Backup.Passphrase
	}
}
