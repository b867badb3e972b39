package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, ":50051", c.GRPCAddr)
	assert.Empty(t, c.DatabaseDSN)
	assert.Equal(t, "secretKey", c.SecretKey)
	assert.Equal(t, 24*time.Hour, c.TokenTTL)
	assert.True(t, c.MetricsEnabled)
	assert.True(t, c.SeedOfferings)
	assert.Equal(t, 10, c.FreeVisitThreshold)
	assert.NoError(t, c.Validate())
}

func TestLoadConfig_NoArgs(t *testing.T) {
	c, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(defaults(), c))
}

func TestParseFlags(t *testing.T) {
	c := defaults()
	err := parseFlags(c, []string{
		"-a", "127.0.0.1:9090", "-g", "", "-d", "postgres://db", "-s", "secret",
		"-t", "90m", "-m=false", "-n", "5", "-l", "debug", "-issue", "desk",
		"-c", "ignored.json", "-x", "unknown",
	})
	require.NoError(t, err)

	want := defaults()
	want.HTTPAddr = "127.0.0.1:9090"
	want.GRPCAddr = ""
	want.DatabaseDSN = "postgres://db"
	want.SecretKey = "secret"
	want.TokenTTL = 90 * time.Minute
	want.MetricsEnabled = false
	want.FreeVisitThreshold = 5
	want.LogLevel = "debug"
	want.IssueToken = "desk"
	assert.Empty(t, cmp.Diff(want, c))
}

func TestParseFlags_BadValue(t *testing.T) {
	c := defaults()
	assert.Error(t, parseFlags(c, []string{"-t", "soon"}))
}

func TestLoadConfig_JSONFile(t *testing.T) {
	p := writeFile(t, "server.json", `{
		"http_addr": ":9000",
		"database_dsn": "postgres://file",
		"token_ttl": "2h",
		"metrics_enabled": false,
		"free_visit_threshold": 6
	}`)

	c, err := LoadConfig([]string{"-c", p})
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.HTTPAddr)
	assert.Equal(t, "postgres://file", c.DatabaseDSN)
	assert.Equal(t, 2*time.Hour, c.TokenTTL)
	assert.False(t, c.MetricsEnabled)
	assert.Equal(t, 6, c.FreeVisitThreshold)
	assert.Equal(t, ":50051", c.GRPCAddr)
}

func TestLoadConfig_YAMLFileThenFlags(t *testing.T) {
	p := writeFile(t, "server.yaml", "http_addr: \":9000\"\nsecret_key: from-file\ntoken_ttl: 3600000000000\n")

	c, err := LoadConfig([]string{"-config", p, "-a", ":9100"})
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.HTTPAddr)
	assert.Equal(t, "from-file", c.SecretKey)
	assert.Equal(t, time.Hour, c.TokenTTL)
}

func TestLoadConfig_Errors(t *testing.T) {
	bad := writeFile(t, "bad.json", `{"token_ttl": "forever"}`)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"missing file", []string{"-c", filepath.Join(t.TempDir(), "nope.json")}, os.ErrNotExist},
		{"bad duration", []string{"-c", bad}, nil},
		{"invalid threshold", []string{"-n", "1"}, ErrInvalid},
		{"empty secret", []string{"-s", ""}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadConfig(tt.args)
			require.Error(t, err)
			assert.Nil(t, c)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), err)
			}
		})
	}
}
