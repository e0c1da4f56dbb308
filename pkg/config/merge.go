package config

import "strings"

// Overrides carries constructor-level settings. They take precedence over
// the environment block and the defaults on a per-key basis.
type Overrides struct {
	ProxyURL    string
	PacURL      string
	Environment string // forces the environment label, bypassing detection
	Username    string
	Password    string
	Domain      string
	NoProxy     string // comma-separated, replaces the configured list
	Debug       bool
}

// EnvironmentSettings is the fully merged view of a single environment:
// every field holds its effective value, with precedence already applied.
type EnvironmentSettings struct {
	Label        string
	ProxyURL     string // empty means no explicitly configured proxy
	PacURL       string // empty means no explicit PAC source
	RequiresAuth bool
	AuthType     string // empty when RequiresAuth is false
	NoProxy      []string
}

// MergedEnvironment resolves the effective settings for label by merging,
// per key, the constructor overrides over the environment block over the
// built-in defaults. Pure function: no I/O, no environment variables.
func (cfg *Config) MergedEnvironment(label string, ov Overrides) EnvironmentSettings {
	label = strings.ToLower(strings.TrimSpace(label))

	// Defaults layer.
	s := EnvironmentSettings{
		Label:        label,
		RequiresAuth: false,
		AuthType:     "",
	}

	// Environment block layer: only keys the block actually sets.
	if env, ok := cfg.Environments[label]; ok {
		if env.ProxyURL != nil {
			s.ProxyURL = *env.ProxyURL
		}
		if env.RequiresAuth != nil {
			s.RequiresAuth = *env.RequiresAuth
		}
		if env.AuthType != "" {
			s.AuthType = strings.ToLower(env.AuthType)
		}
		if env.NoProxy != "" {
			s.NoProxy = SplitNoProxy(env.NoProxy)
		}
	}

	if cfg.SystemProxy.PacURL != "" {
		s.PacURL = cfg.SystemProxy.PacURL
	}

	// Overrides layer.
	if ov.ProxyURL != "" {
		s.ProxyURL = ov.ProxyURL
	}
	if ov.PacURL != "" {
		s.PacURL = ov.PacURL
	}
	if ov.NoProxy != "" {
		s.NoProxy = SplitNoProxy(ov.NoProxy)
	}

	// An environment that requires auth defaults to basic unless the block
	// chose a scheme. One that does not suppresses auth entirely, whatever
	// other keys say.
	if s.RequiresAuth {
		if s.AuthType == "" {
			s.AuthType = DefaultAuthType
		}
	} else {
		s.AuthType = ""
	}
	return s
}

// SplitNoProxy turns a comma-separated no_proxy value into trimmed,
// lowercased entries, dropping empties.
func SplitNoProxy(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
