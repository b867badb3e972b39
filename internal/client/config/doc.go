// Package config loads runtime configuration for the possync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see Defaults).
//  2. Optional JSON or YAML file selected with -c / --config.
//  3. Command-line flags set explicitly, which override earlier values.
//
// # File format
//
// Durations use timex.Duration, so values can be strings like "90s" or
// integer nanoseconds:
//
//	{
//	  "server_url": "http://127.0.0.1:8080",
//	  "auto_sync_interval": "5m",
//	  "queue_retry_ceiling": 3,
//	  "backup": {"bucket": "pos-backups", "region": "eu-central-1"}
//	}
//
// Environment variables are not read directly, except the AWS credential
// chain consulted by the backup client when no static keys are configured.
package config
