package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/possync/internal/flagx"
)

var knownFlags = []string{"-a", "-g", "-d", "-s", "-t", "-m", "-n", "-l", "-issue", "--issue"}

// parseFlags overlays command-line flags:
//
//	-a string     HTTP listen address
//	-g string     gRPC health listen address, "" disables it
//	-d string     PostgreSQL DSN, "" keeps records in memory
//	-s string     JWT HMAC secret key
//	-t duration   token lifetime
//	-m bool       expose /metrics
//	-n int        every Nth visit is free
//	-l string     log level
//	-issue string print a token for this operator and exit
//
// Unknown arguments, including -c/-config, are filtered out first.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("possync-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.HTTPAddr, "a", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "g", cfg.GRPCAddr, "gRPC health listen address")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")
	fs.DurationVar(&cfg.TokenTTL, "t", cfg.TokenTTL, "token lifetime")
	fs.BoolVar(&cfg.MetricsEnabled, "m", cfg.MetricsEnabled, "expose /metrics")
	fs.IntVar(&cfg.FreeVisitThreshold, "n", cfg.FreeVisitThreshold, "every Nth visit is free")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.IssueToken, "issue", cfg.IssueToken, "print a token for this operator and exit")

	return fs.Parse(flagx.FilterArgs(args, knownFlags))
}
