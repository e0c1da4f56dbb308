package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxypilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DetectAuto, cfg.Detection.Method)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.True(t, cfg.SystemProxy.UseSystemProxy)
	assert.True(t, cfg.SystemProxy.DetectPac)
	assert.Contains(t, cfg.Detection.HostnamePatterns["prod"], "production")
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
cache_ttl: 60
environments:
  prod:
    proxy_url: "http://proxy.corp.example.com:8080"
    requires_auth: true
    auth_type: ntlm
    no_proxy: "localhost,127.0.0.1,.internal.example.com"
  dev:
    proxy_url: "http://proxy.dev.example.com:3128"
    requires_auth: false
environment_detection:
  method: hostname
  hostname_patterns:
    prod: ["prd"]
  ip_ranges:
    prod: ["10.10.0.0/16", "192.168.1.10-192.168.1.20"]
system_proxy:
  pac_url: "http://wpad.example.com/wpad.dat"
  connection_timeout: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 60, cfg.CacheTTL)
	assert.Equal(t, DetectHostname, cfg.Detection.Method)

	prod, ok := cfg.Environments["prod"]
	require.True(t, ok)
	require.NotNil(t, prod.ProxyURL)
	assert.Equal(t, "http://proxy.corp.example.com:8080", *prod.ProxyURL)
	require.NotNil(t, prod.RequiresAuth)
	assert.True(t, *prod.RequiresAuth)
	assert.Equal(t, AuthTypeNTLM, prod.AuthType)

	dev := cfg.Environments["dev"]
	require.NotNil(t, dev.RequiresAuth)
	assert.False(t, *dev.RequiresAuth)

	// File values merge over built-in detection defaults per key.
	assert.Equal(t, []string{"prd"}, cfg.Detection.HostnamePatterns["prod"])
	assert.Contains(t, cfg.Detection.HostnamePatterns["dev"], "staging")

	assert.Equal(t, "http://wpad.example.com/wpad.dat", cfg.SystemProxy.PacURL)
	assert.Equal(t, 3, cfg.SystemProxy.ConnectionTimeout)
	assert.Equal(t, DefaultPacFileTTL, cfg.SystemProxy.PacFileTTL)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "environments: [not: a: map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvVarOverride(t *testing.T) {
	t.Setenv("PROXYPILOT_LOG_LEVEL", "warn")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "unknown detection method",
			yaml:  "environment_detection:\n  method: guesswork\n",
			field: "environment_detection.method",
		},
		{
			name:  "unknown auth type",
			yaml:  "environments:\n  prod:\n    auth_type: digest\n",
			field: "environments.prod.auth_type",
		},
		{
			name:  "bad proxy url scheme",
			yaml:  "environments:\n  prod:\n    proxy_url: \"ftp://proxy:21\"\n",
			field: "environments.prod.proxy_url",
		},
		{
			name:  "bad hostname regex",
			yaml:  "environment_detection:\n  hostname_regex:\n    prod: [\"([unclosed\"]\n",
			field: "environment_detection.hostname_regex.prod",
		},
		{
			name:  "bad cidr",
			yaml:  "environment_detection:\n  ip_ranges:\n    prod: [\"10.0.0.0/99\"]\n",
			field: "environment_detection.ip_ranges.prod",
		},
		{
			name:  "range mixes families",
			yaml:  "environment_detection:\n  ip_ranges:\n    prod: [\"10.0.0.1-::2\"]\n",
			field: "environment_detection.ip_ranges.prod",
		},
		{
			name:  "range reversed",
			yaml:  "environment_detection:\n  ip_ranges:\n    prod: [\"10.0.0.9-10.0.0.1\"]\n",
			field: "environment_detection.ip_ranges.prod",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateAcceptsDashRangeAndBareIP(t *testing.T) {
	path := writeConfig(t, `
environment_detection:
  ip_ranges:
    prod: ["192.168.1.1-192.168.1.255", "10.1.2.3"]
`)
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLabelsOrderIsDeterministic(t *testing.T) {
	cfg := &Config{
		Environments: map[string]EnvironmentConfig{
			"qa":      {},
			"prod":    {},
			"interne": {},
		},
		Detection: DetectionConfig{
			IPRanges: map[string][]string{"dmz": {"10.0.0.0/8"}},
		},
	}
	assert.Equal(t, []string{"local", "dev", "prod", "dmz", "interne", "qa"}, cfg.Labels())
}
