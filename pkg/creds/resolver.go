// Package creds resolves proxy credentials from a chain of sources:
// explicit overrides, the config file, environment variables, a .env file,
// the OS keyring, the current session identity, and finally an interactive
// prompt. Passwords never leave the package unmasked except through
// Secret.Reveal.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/yolkispalkis/proxypilot/pkg/config"
)

// Credentials is a resolved username/password/domain triple. Any field may
// be empty when no source could supply it.
type Credentials struct {
	Username string
	Password Secret
	Domain   string
}

// Complete reports whether both a username and a password are present.
func (c Credentials) Complete() bool { return c.Username != "" && !c.Password.IsZero() }

// usernameKey is the keyring account under which the last-used username is
// remembered, scoped to the base service name.
const usernameKey = "username"

var credentialVars = map[string][]string{
	"username": {"PROXYPILOT_USERNAME", "proxypilot_username", "PROXY_USERNAME", "proxy_username"},
	"password": {"PROXYPILOT_PASSWORD", "proxypilot_password", "PROXY_PASSWORD", "proxy_password"},
	"domain":   {"PROXYPILOT_DOMAIN", "proxypilot_domain", "PROXY_DOMAIN", "proxy_domain"},
}

// Resolver walks the credential chain. All external probes are injectable
// for tests.
type Resolver struct {
	cfg      config.CredentialsConfig
	override Credentials
	prompter Prompter

	getenvFn   func(string) string
	dotenvFn   func() map[string]string
	keyringGet func(service, account string) (string, error)
	keyringSet func(service, account, password string) error
	identityFn func() (username, domain string)
}

// New builds a Resolver from the credentials config block and the explicit
// flag-level overrides.
func New(cfg config.CredentialsConfig, ov config.Overrides) *Resolver {
	return &Resolver{
		cfg: cfg,
		override: Credentials{
			Username: ov.Username,
			Password: NewSecret(ov.Password),
			Domain:   ov.Domain,
		},
		getenvFn:   os.Getenv,
		dotenvFn:   func() map[string]string { return loadDotenv(defaultDotenvPaths()) },
		keyringGet: keyring.Get,
		keyringSet: keyring.Set,
		identityFn: func() (string, string) { return sessionIdentity(os.Getenv, osHostname) },
	}
}

// SetPrompter installs the interactive fallback. Without one the chain ends
// at the session identity.
func (r *Resolver) SetPrompter(p Prompter) { r.prompter = p }

// Resolve walks the chain for the given environment label and auth type and
// returns the best credentials found. Missing credentials are not an error;
// the caller decides whether an incomplete result is usable.
func (r *Resolver) Resolve(ctx context.Context, envLabel, authType string) (Credentials, error) {
	c := r.override
	if c.Username == "" {
		c.Username = r.cfg.Username
	}
	if c.Domain == "" {
		c.Domain = r.cfg.Domain
	}

	r.fillFromEnv(&c)
	if c.Complete() {
		slog.Debug("Credentials resolved from environment", "username", c.Username)
		return c, nil
	}

	service := r.serviceName(envLabel, authType)
	r.fillFromKeyring(&c, service)
	if c.Complete() {
		slog.Debug("Credentials resolved from keyring", "username", c.Username)
		return c, nil
	}

	r.fillFromSession(&c, service, authType)
	if c.Complete() {
		slog.Debug("Credentials resolved from session", "username", c.Username)
		return c, nil
	}

	if r.cfg.PromptOnMissing && r.prompter != nil {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		entered, err := r.prompter.Prompt(ctx, c, authType)
		if err != nil {
			slog.Debug("Credential prompt failed", "error", err)
			return c, nil
		}
		c = entered
		if c.Complete() {
			r.storeInKeyring(c, service)
		}
	}
	return c, nil
}

func (r *Resolver) baseService() string {
	if r.cfg.KeyringService != "" {
		return r.cfg.KeyringService
	}
	return config.DefaultKeyringService
}

// serviceName scopes stored passwords per environment and auth type, so dev
// basic credentials never leak into prod ntlm.
func (r *Resolver) serviceName(envLabel, authType string) string {
	return fmt.Sprintf("%s_%s-%s", r.baseService(), envLabel, authType)
}

// fillFromEnv consults the process environment and the .env file. Per
// variable name the process environment wins; the .env file is only read
// when needed.
func (r *Resolver) fillFromEnv(c *Credentials) {
	var dotenv map[string]string
	loaded := false
	lookup := func(names []string) string {
		for _, name := range names {
			if v := r.getenvFn(name); v != "" {
				return v
			}
			if !loaded {
				dotenv = r.dotenvFn()
				loaded = true
			}
			if v := dotenv[name]; v != "" {
				return v
			}
		}
		return ""
	}

	if c.Username == "" {
		c.Username = lookup(credentialVars["username"])
	}
	if c.Password.IsZero() {
		if v := lookup(credentialVars["password"]); v != "" {
			c.Password = NewSecret(v)
		}
	}
	if c.Domain == "" {
		c.Domain = lookup(credentialVars["domain"])
	}
}

func (r *Resolver) fillFromKeyring(c *Credentials, service string) {
	if c.Username == "" {
		if name, err := r.keyringGet(r.baseService(), usernameKey); err == nil && name != "" {
			c.Username = name
			slog.Debug("Username found in keyring")
		}
	}
	if c.Username != "" && c.Password.IsZero() {
		if pw, err := r.keyringGet(service, c.Username); err == nil && pw != "" {
			c.Password = NewSecret(pw)
			slog.Debug("Password found in keyring", "service", service)
		}
	}
}

// fillFromSession falls back to the login identity, then checks the keyring
// again under that username. The domain is only taken for ntlm, where it is
// part of the credential.
func (r *Resolver) fillFromSession(c *Credentials, service, authType string) {
	needDomain := c.Domain == "" && strings.EqualFold(authType, config.AuthTypeNTLM)
	if c.Username == "" || needDomain {
		username, domain := r.identityFn()
		if c.Username == "" && username != "" {
			c.Username = username
			slog.Debug("Username taken from current session", "username", username)
		}
		if needDomain && domain != "" {
			c.Domain = domain
			slog.Debug("Domain taken from current session", "domain", domain)
		}
	}
	if c.Username != "" && c.Password.IsZero() {
		if pw, err := r.keyringGet(service, c.Username); err == nil && pw != "" {
			c.Password = NewSecret(pw)
			slog.Debug("Password found in keyring for session user", "service", service)
		}
	}
}

func (r *Resolver) storeInKeyring(c Credentials, service string) {
	if err := r.keyringSet(service, c.Username, c.Password.Reveal()); err != nil {
		slog.Debug("Keyring store failed", "service", service, "error", err)
		return
	}
	if err := r.keyringSet(r.baseService(), usernameKey, c.Username); err != nil {
		slog.Debug("Keyring username store failed", "error", err)
	}
	slog.Debug("Credentials stored in keyring", "service", service, "username", c.Username)
}
