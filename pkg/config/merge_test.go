package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestMergedEnvironmentPrecedence(t *testing.T) {
	cfg := &Config{
		Environments: map[string]EnvironmentConfig{
			"prod": {
				ProxyURL:     strPtr("http://proxy.corp:8080"),
				RequiresAuth: boolPtr(true),
				AuthType:     AuthTypeNTLM,
				NoProxy:      "localhost, .corp.example.com",
			},
		},
	}

	t.Run("environment block over defaults", func(t *testing.T) {
		s := cfg.MergedEnvironment("prod", Overrides{})
		assert.Equal(t, "http://proxy.corp:8080", s.ProxyURL)
		assert.True(t, s.RequiresAuth)
		assert.Equal(t, AuthTypeNTLM, s.AuthType)
		assert.Equal(t, []string{"localhost", ".corp.example.com"}, s.NoProxy)
	})

	t.Run("override wins per key", func(t *testing.T) {
		s := cfg.MergedEnvironment("prod", Overrides{ProxyURL: "http://other:3128"})
		assert.Equal(t, "http://other:3128", s.ProxyURL)
		// Untouched keys keep the environment block's values.
		assert.True(t, s.RequiresAuth)
		assert.Equal(t, AuthTypeNTLM, s.AuthType)
	})

	t.Run("unknown label falls back to defaults", func(t *testing.T) {
		s := cfg.MergedEnvironment("qa", Overrides{})
		assert.Empty(t, s.ProxyURL)
		assert.False(t, s.RequiresAuth)
		assert.Empty(t, s.AuthType)
	})

	t.Run("label lookup ignores case", func(t *testing.T) {
		s := cfg.MergedEnvironment("PROD", Overrides{})
		assert.Equal(t, "http://proxy.corp:8080", s.ProxyURL)
		assert.Equal(t, "prod", s.Label)
	})
}

func TestMergedEnvironmentAuthSuppression(t *testing.T) {
	cfg := &Config{
		Environments: map[string]EnvironmentConfig{
			"dev": {
				ProxyURL:     strPtr("http://proxy.dev:3128"),
				RequiresAuth: boolPtr(false),
				AuthType:     AuthTypeNTLM, // set, but requires_auth=false wins
			},
			"prod": {
				RequiresAuth: boolPtr(true), // no auth_type: defaults to basic
			},
		},
	}

	dev := cfg.MergedEnvironment("dev", Overrides{})
	assert.False(t, dev.RequiresAuth)
	assert.Empty(t, dev.AuthType, "requires_auth=false must suppress the auth scheme")

	prod := cfg.MergedEnvironment("prod", Overrides{})
	assert.True(t, prod.RequiresAuth)
	assert.Equal(t, AuthTypeBasic, prod.AuthType)
}

func TestMergedEnvironmentPacURL(t *testing.T) {
	cfg := &Config{
		SystemProxy: SystemProxyConfig{PacURL: "http://wpad.corp/wpad.dat"},
	}

	s := cfg.MergedEnvironment("prod", Overrides{})
	assert.Equal(t, "http://wpad.corp/wpad.dat", s.PacURL)

	s = cfg.MergedEnvironment("prod", Overrides{PacURL: "file:///tmp/override.pac"})
	assert.Equal(t, "file:///tmp/override.pac", s.PacURL)
}

func TestSplitNoProxy(t *testing.T) {
	assert.Nil(t, SplitNoProxy(""))
	assert.Nil(t, SplitNoProxy(" , ,"))
	assert.Equal(t,
		[]string{"localhost", "127.0.0.1", ".corp.example.com"},
		SplitNoProxy("localhost, 127.0.0.1 ,.CORP.example.com,"))
}
