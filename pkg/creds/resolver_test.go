package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/proxypilot/pkg/config"
)

func newTestChain(cfg config.CredentialsConfig, ov config.Overrides) *Resolver {
	r := New(cfg, ov)
	r.getenvFn = func(string) string { return "" }
	r.dotenvFn = func() map[string]string { return nil }
	r.keyringGet = func(string, string) (string, error) { return "", errors.New("not found") }
	r.keyringSet = func(string, string, string) error { return nil }
	r.identityFn = func() (string, string) { return "", "" }
	return r
}

type stubPrompter struct {
	result Credentials
	err    error
	calls  int
}

func (s *stubPrompter) Prompt(_ context.Context, current Credentials, _ string) (Credentials, error) {
	s.calls++
	if s.err != nil {
		return current, s.err
	}
	return s.result, nil
}

func TestResolveOverridesWin(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{}, config.Overrides{
		Username: "alice", Password: "secret", Domain: "CORP",
	})
	r.keyringGet = func(string, string) (string, error) {
		t.Fatal("keyring must not be consulted when overrides are complete")
		return "", nil
	}

	c, err := r.Resolve(context.Background(), "prod", "ntlm")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)
	assert.Equal(t, "secret", c.Password.Reveal())
	assert.Equal(t, "CORP", c.Domain)
}

func TestResolveEnvVarPrefixPrecedence(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{}, config.Overrides{})
	r.getenvFn = func(name string) string {
		switch name {
		case "PROXYPILOT_USERNAME":
			return "from-pilot"
		case "PROXY_USERNAME":
			return "from-proxy"
		case "PROXY_PASSWORD":
			return "pw"
		}
		return ""
	}

	c, err := r.Resolve(context.Background(), "dev", "basic")
	require.NoError(t, err)
	assert.Equal(t, "from-pilot", c.Username, "project-prefixed variable wins")
	assert.Equal(t, "pw", c.Password.Reveal())
}

func TestResolveDotenvInterleavesPerName(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{}, config.Overrides{})
	r.getenvFn = func(name string) string {
		if name == "PROXY_USERNAME" {
			return "late-env"
		}
		return ""
	}
	r.dotenvFn = func() map[string]string {
		return map[string]string{
			"PROXYPILOT_USERNAME": "early-dotenv",
			"PROXY_PASSWORD":      "pw",
		}
	}

	c, err := r.Resolve(context.Background(), "dev", "basic")
	require.NoError(t, err)
	assert.Equal(t, "early-dotenv", c.Username,
		"dotenv value of an earlier name beats the process env of a later one")
	assert.Equal(t, "pw", c.Password.Reveal())
}

func TestResolveKeyringChain(t *testing.T) {
	var services []string
	r := newTestChain(config.CredentialsConfig{KeyringService: "proxypilot"}, config.Overrides{})
	r.keyringGet = func(service, account string) (string, error) {
		services = append(services, service+"/"+account)
		switch {
		case service == "proxypilot" && account == "username":
			return "bob", nil
		case service == "proxypilot_prod-ntlm" && account == "bob":
			return "kr-password", nil
		}
		return "", errors.New("not found")
	}

	c, err := r.Resolve(context.Background(), "prod", "ntlm")
	require.NoError(t, err)
	assert.Equal(t, "bob", c.Username)
	assert.Equal(t, "kr-password", c.Password.Reveal())
	assert.Contains(t, services, "proxypilot/username")
	assert.Contains(t, services, "proxypilot_prod-ntlm/bob")
}

func TestResolveSessionIdentityForNTLM(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{}, config.Overrides{})
	r.identityFn = func() (string, string) { return "carol", "corp.example" }
	r.keyringGet = func(service, account string) (string, error) {
		if account == "carol" {
			return "session-pw", nil
		}
		return "", errors.New("not found")
	}

	c, err := r.Resolve(context.Background(), "prod", "ntlm")
	require.NoError(t, err)
	assert.Equal(t, "carol", c.Username)
	assert.Equal(t, "corp.example", c.Domain)
	assert.Equal(t, "session-pw", c.Password.Reveal())
}

func TestResolveSessionDomainOnlyForNTLM(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{}, config.Overrides{})
	r.identityFn = func() (string, string) { return "carol", "corp.example" }

	c, err := r.Resolve(context.Background(), "prod", "basic")
	require.NoError(t, err)
	assert.Equal(t, "carol", c.Username)
	assert.Empty(t, c.Domain, "basic auth carries no domain")
}

func TestResolvePromptStoresInKeyring(t *testing.T) {
	stored := make(map[string]string)
	prompter := &stubPrompter{result: Credentials{
		Username: "dave", Password: NewSecret("typed"), Domain: "CORP",
	}}

	r := newTestChain(config.CredentialsConfig{PromptOnMissing: true}, config.Overrides{})
	r.SetPrompter(prompter)
	r.keyringSet = func(service, account, password string) error {
		stored[service+"/"+account] = password
		return nil
	}

	c, err := r.Resolve(context.Background(), "dev", "ntlm")
	require.NoError(t, err)
	require.Equal(t, 1, prompter.calls)
	assert.Equal(t, "dave", c.Username)
	assert.Equal(t, "typed", stored["proxypilot_dev-ntlm/dave"])
	assert.Equal(t, "dave", stored["proxypilot/username"])
}

func TestResolvePromptSkippedWhenDisabled(t *testing.T) {
	prompter := &stubPrompter{result: Credentials{Username: "x", Password: NewSecret("y")}}
	r := newTestChain(config.CredentialsConfig{PromptOnMissing: false}, config.Overrides{})
	r.SetPrompter(prompter)

	c, err := r.Resolve(context.Background(), "dev", "basic")
	require.NoError(t, err)
	assert.Zero(t, prompter.calls)
	assert.False(t, c.Complete())
}

func TestResolvePromptFailureDegrades(t *testing.T) {
	prompter := &stubPrompter{err: errors.New("cancelled")}
	r := newTestChain(config.CredentialsConfig{PromptOnMissing: true}, config.Overrides{})
	r.SetPrompter(prompter)
	r.identityFn = func() (string, string) { return "erin", "" }

	c, err := r.Resolve(context.Background(), "dev", "basic")
	require.NoError(t, err, "a failed prompt is not a resolution error")
	assert.Equal(t, "erin", c.Username)
	assert.True(t, c.Password.IsZero())
}

func TestResolveConfigSeedsChain(t *testing.T) {
	r := newTestChain(config.CredentialsConfig{Username: "conf-user", Domain: "CONF"}, config.Overrides{})
	r.getenvFn = func(name string) string {
		if name == "PROXYPILOT_PASSWORD" {
			return "pw"
		}
		return ""
	}

	c, err := r.Resolve(context.Background(), "dev", "ntlm")
	require.NoError(t, err)
	assert.Equal(t, "conf-user", c.Username)
	assert.Equal(t, "CONF", c.Domain)
	assert.Equal(t, "pw", c.Password.Reveal())
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# proxy credentials\nPROXY_USERNAME=frank\nPROXY_PASSWORD=\"quo ted\"\n\nBROKEN LINE\nEXTRA='single'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	vars := loadDotenv([]string{filepath.Join(dir, "missing"), path})
	assert.Equal(t, "frank", vars["PROXY_USERNAME"])
	assert.Equal(t, "quo ted", vars["PROXY_PASSWORD"])
	assert.Equal(t, "single", vars["EXTRA"])
	assert.NotContains(t, vars, "BROKEN LINE")

	assert.Nil(t, loadDotenv([]string{filepath.Join(dir, "missing")}))
}

func TestSessionIdentityDomainFromFQDN(t *testing.T) {
	username, domain := sessionIdentity(
		func(string) string { return "" },
		func() (string, error) { return "workstation.corp.example", nil },
	)
	assert.NotEmpty(t, username)
	assert.Equal(t, "corp.example", domain)

	_, domain = sessionIdentity(
		func(string) string { return "" },
		func() (string, error) { return "workstation", nil },
	)
	assert.Empty(t, domain)
}
