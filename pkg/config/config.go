package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultDetectionMethod     = "auto"
	DefaultAuthType            = AuthTypeBasic
	DefaultConnectionTimeout   = 10 // seconds
	DefaultPacExecutionTimeout = 5  // seconds
	DefaultPacFileTTL          = 3600
	DefaultCacheTTL            = 300
	DefaultLogLevel            = "info"
	DefaultKeyringService      = "proxypilot"
	DefaultEnvVarName          = "PROXYPILOT_ENV"
)

// Detection methods accepted in environment_detection.method.
const (
	DetectAuto     = "auto"
	DetectEnvVar   = "env_var"
	DetectHostname = "hostname"
	DetectIP       = "ip"
	DetectAsk      = "ask"
)

// Authentication schemes accepted in an environment's auth_type. An empty
// string means no authentication.
const (
	AuthTypeBasic = "basic"
	AuthTypeNTLM  = "ntlm"
)

// BuiltinLabels are the environment labels that always exist, in their
// canonical order. Custom labels sort after them.
var BuiltinLabels = []string{"local", "dev", "prod"}

// defaultConfigPaths are searched in order when Load is given no path.
var defaultConfigPaths = []string{
	"./proxypilot.yaml",
	"./proxypilot.yml",
	"~/.config/proxypilot/proxypilot.yaml",
	"~/.config/proxypilot/proxypilot.yml",
	"~/.proxypilot.yaml",
	"~/.proxypilot.yml",
}

// Config holds the main application configuration.
type Config struct {
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
	Detection    DetectionConfig              `mapstructure:"environment_detection"`
	SystemProxy  SystemProxyConfig            `mapstructure:"system_proxy"`
	Credentials  CredentialsConfig            `mapstructure:"credentials"`
	Kerberos     KerberosConfig               `mapstructure:"kerberos"`
	CacheTTL     int                          `mapstructure:"cache_ttl"` // seconds, resolution cache
	LogLevel     string                       `mapstructure:"log_level"`
	LogPath      string                       `mapstructure:"log_path"`
}

// EnvironmentConfig is the per-environment block from the environments map.
// Pointer fields distinguish "absent" from an explicit zero so the merge can
// apply precedence per key.
type EnvironmentConfig struct {
	ProxyURL     *string `mapstructure:"proxy_url"`
	RequiresAuth *bool   `mapstructure:"requires_auth"`
	AuthType     string  `mapstructure:"auth_type"` // basic, ntlm
	NoProxy      string  `mapstructure:"no_proxy"`  // comma-separated
}

// DetectionConfig drives environment classification.
type DetectionConfig struct {
	Method           string              `mapstructure:"method"`
	EnvVarName       string              `mapstructure:"env_var_name"`
	HostnamePatterns map[string][]string `mapstructure:"hostname_patterns"`
	HostnameRegex    map[string][]string `mapstructure:"hostname_regex"`
	IPRanges         map[string][]string `mapstructure:"ip_ranges"`
}

// SystemProxyConfig controls OS-level proxy and PAC discovery.
type SystemProxyConfig struct {
	UseSystemProxy      bool   `mapstructure:"use_system_proxy"`
	DetectPac           bool   `mapstructure:"detect_pac"`
	PacURL              string `mapstructure:"pac_url"` // explicit PAC source, skips discovery
	ConnectionTimeout   int    `mapstructure:"connection_timeout"`    // seconds
	PacExecutionTimeout int    `mapstructure:"pac_execution_timeout"` // seconds
	PacFileTTL          int    `mapstructure:"pac_file_ttl"`          // seconds
	PacCharset          string `mapstructure:"pac_charset"`           // optional decode override
}

// CredentialsConfig seeds the credential resolution chain.
type CredentialsConfig struct {
	Username        string `mapstructure:"username"`
	Domain          string `mapstructure:"domain"`
	KeyringService  string `mapstructure:"keyring_service"`
	PromptOnMissing bool   `mapstructure:"prompt_on_missing"`
}

// KerberosConfig tunes the SPNEGO helper. CachePath overrides the usual
// KRB5CCNAME discovery; Realm only triggers a warning when the ticket
// realm differs.
type KerberosConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Realm     string `mapstructure:"realm"`
	CachePath string `mapstructure:"cache_path"`
}

// ValidationError reports a fatal configuration problem found at load time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Load reads configuration from a file, environment variables, and defaults.
// An empty path searches the conventional locations; a missing file is not
// an error, but an unreadable or invalid one is.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	// PROXYPILOT_LOG_LEVEL, PROXYPILOT_SYSTEM_PROXY_PAC_URL, etc.
	v.SetEnvPrefix("PROXYPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := resolveConfigPath(configPath)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if notFound || errors.Is(err, os.ErrNotExist) {
				slog.Warn("Config file not found, using defaults and environment variables", "path", path)
			} else {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			slog.Debug("Loaded configuration file", "path", path)
		}
	} else {
		slog.Debug("No configuration file found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveConfigPath expands the given path, or finds the first existing
// conventional location when none is given. Empty result means no file.
func resolveConfigPath(configPath string) string {
	if configPath != "" {
		abs, err := filepath.Abs(expandHome(configPath))
		if err != nil {
			return configPath
		}
		return abs
	}
	for _, candidate := range defaultConfigPaths {
		expanded := expandHome(candidate)
		if _, err := os.Stat(expanded); err == nil {
			return expanded
		}
	}
	return ""
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// normalize lowercases environment labels everywhere they appear so lookups
// cannot miss on case. Viper already folds config keys, this covers values
// built programmatically.
func normalize(cfg *Config) {
	cfg.Environments = lowercaseEnvKeys(cfg.Environments)
	cfg.Detection.HostnamePatterns = lowercaseMapKeys(cfg.Detection.HostnamePatterns)
	cfg.Detection.HostnameRegex = lowercaseMapKeys(cfg.Detection.HostnameRegex)
	cfg.Detection.IPRanges = lowercaseMapKeys(cfg.Detection.IPRanges)
	cfg.Detection.Method = strings.ToLower(strings.TrimSpace(cfg.Detection.Method))
}

func lowercaseEnvKeys(in map[string]EnvironmentConfig) map[string]EnvironmentConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]EnvironmentConfig, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func lowercaseMapKeys(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Validate checks the consistency and validity of the configuration.
// It fails fast: the first problem is returned as a *ValidationError.
func (cfg *Config) Validate() error {
	switch cfg.Detection.Method {
	case DetectAuto, DetectEnvVar, DetectHostname, DetectIP, DetectAsk:
	default:
		return &ValidationError{
			Field:  "environment_detection.method",
			Reason: fmt.Sprintf("unknown method %q, must be one of: auto, env_var, hostname, ip, ask", cfg.Detection.Method),
		}
	}

	for label, env := range cfg.Environments {
		if label == "" {
			return &ValidationError{Field: "environments", Reason: "environment label cannot be empty"}
		}
		switch strings.ToLower(env.AuthType) {
		case "", AuthTypeBasic, AuthTypeNTLM:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("environments.%s.auth_type", label),
				Reason: fmt.Sprintf("unknown auth type %q, must be basic or ntlm", env.AuthType),
			}
		}
		if env.ProxyURL != nil && *env.ProxyURL != "" {
			if err := ValidateProxyURL(*env.ProxyURL); err != nil {
				return &ValidationError{
					Field:  fmt.Sprintf("environments.%s.proxy_url", label),
					Reason: err.Error(),
				}
			}
		}
	}

	for label, exprs := range cfg.Detection.HostnameRegex {
		for _, expr := range exprs {
			if _, err := regexp.Compile(expr); err != nil {
				return &ValidationError{
					Field:  fmt.Sprintf("environment_detection.hostname_regex.%s", label),
					Reason: fmt.Sprintf("invalid regex %q: %v", expr, err),
				}
			}
		}
	}

	for label, ranges := range cfg.Detection.IPRanges {
		for _, r := range ranges {
			if err := validateIPRange(r); err != nil {
				return &ValidationError{
					Field:  fmt.Sprintf("environment_detection.ip_ranges.%s", label),
					Reason: err.Error(),
				}
			}
		}
	}

	if cfg.SystemProxy.PacURL != "" {
		if err := ValidatePacURL(cfg.SystemProxy.PacURL); err != nil {
			return &ValidationError{Field: "system_proxy.pac_url", Reason: err.Error()}
		}
	}
	if cfg.SystemProxy.ConnectionTimeout <= 0 {
		return &ValidationError{Field: "system_proxy.connection_timeout", Reason: "must be a positive number of seconds"}
	}
	if cfg.SystemProxy.PacExecutionTimeout <= 0 {
		return &ValidationError{Field: "system_proxy.pac_execution_timeout", Reason: "must be a positive number of seconds"}
	}
	if cfg.SystemProxy.PacFileTTL <= 0 {
		return &ValidationError{Field: "system_proxy.pac_file_ttl", Reason: "must be a positive number of seconds"}
	}
	if cfg.CacheTTL < 0 {
		return &ValidationError{Field: "cache_ttl", Reason: "cannot be negative"}
	}
	return nil
}

// ValidateProxyURL checks that raw is an http or https URL with a host and,
// when present, a sane port.
func ValidateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use the http or https scheme", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%q is missing a host", raw)
	}
	if port := u.Port(); port != "" {
		if !validPort(port) {
			return fmt.Errorf("%q has an invalid port", raw)
		}
	}
	return nil
}

// ValidatePacURL checks that raw is an http, https or file URL. Bare paths
// are not accepted here; the PAC layer treats those as local files already.
func ValidatePacURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file") {
		return fmt.Errorf("%q is not a valid http, https or file URL", raw)
	}
	return nil
}

func validPort(port string) bool {
	n := 0
	for _, c := range port {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
		if n > 65535 {
			return false
		}
	}
	return n > 0
}

// validateIPRange accepts CIDR notation or an inclusive dash interval with
// both endpoints in the same address family.
func validateIPRange(r string) error {
	r = strings.TrimSpace(r)
	if r == "" {
		return fmt.Errorf("empty IP range")
	}
	if strings.Contains(r, "/") {
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("invalid CIDR %q: %v", r, err)
		}
		return nil
	}
	if strings.Contains(r, "-") {
		lo, hi, ok := strings.Cut(r, "-")
		if !ok {
			return fmt.Errorf("invalid range %q", r)
		}
		start, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return fmt.Errorf("invalid range start in %q: %v", r, err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return fmt.Errorf("invalid range end in %q: %v", r, err)
		}
		if start.Is4() != end.Is4() {
			return fmt.Errorf("range %q mixes address families", r)
		}
		if start.Compare(end) > 0 {
			return fmt.Errorf("range %q start is after end", r)
		}
		return nil
	}
	if _, err := netip.ParseAddr(r); err != nil {
		return fmt.Errorf("%q is not a CIDR, range or address", r)
	}
	return nil
}

// Labels returns every known environment label in deterministic order:
// the builtin labels first, then custom labels sorted. Classification
// respects this order, so "declaration order" is stable across runs.
func (cfg *Config) Labels() []string {
	seen := make(map[string]bool, len(BuiltinLabels))
	labels := make([]string, 0, len(BuiltinLabels)+len(cfg.Environments))
	for _, l := range BuiltinLabels {
		seen[l] = true
		labels = append(labels, l)
	}

	var custom []string
	add := func(l string) {
		if !seen[l] {
			seen[l] = true
			custom = append(custom, l)
		}
	}
	for l := range cfg.Environments {
		add(l)
	}
	for l := range cfg.Detection.HostnamePatterns {
		add(l)
	}
	for l := range cfg.Detection.HostnameRegex {
		add(l)
	}
	for l := range cfg.Detection.IPRanges {
		add(l)
	}
	sort.Strings(custom)
	return append(labels, custom...)
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment_detection.method", DefaultDetectionMethod)
	v.SetDefault("environment_detection.env_var_name", DefaultEnvVarName)
	v.SetDefault("environment_detection.hostname_patterns", map[string][]string{
		"local": {"local", "laptop", "desktop", "dev-pc"},
		"dev":   {"dev", "staging", "test", "preprod"},
		"prod":  {"prod", "production"},
	})
	v.SetDefault("environment_detection.hostname_regex", map[string][]string{
		"local": {`^laptop-\w+$`, `^pc-\w+$`, `^desktop-\w+$`},
		"dev":   {`^dev\d*-`, `^staging\d*-`, `^test\d*-`},
		"prod":  {`^prod\d*-`, `^production\d*-`},
	})
	v.SetDefault("environment_detection.ip_ranges", map[string][]string{})

	v.SetDefault("system_proxy.use_system_proxy", true)
	v.SetDefault("system_proxy.detect_pac", true)
	v.SetDefault("system_proxy.pac_url", "")
	v.SetDefault("system_proxy.connection_timeout", DefaultConnectionTimeout)
	v.SetDefault("system_proxy.pac_execution_timeout", DefaultPacExecutionTimeout)
	v.SetDefault("system_proxy.pac_file_ttl", DefaultPacFileTTL)
	v.SetDefault("system_proxy.pac_charset", "")

	v.SetDefault("credentials.username", "")
	v.SetDefault("credentials.domain", "")
	v.SetDefault("credentials.keyring_service", DefaultKeyringService)
	v.SetDefault("credentials.prompt_on_missing", false)

	v.SetDefault("kerberos.enabled", false)
	v.SetDefault("kerberos.realm", "")
	v.SetDefault("kerberos.cache_path", "")

	v.SetDefault("cache_ttl", DefaultCacheTTL)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", "")
}
