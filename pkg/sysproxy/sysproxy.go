// Package sysproxy discovers proxy settings the host already knows about:
// conventional environment variables first, then OS-level configuration
// (registry, GNOME/KDE settings, scutil). It reports what it finds and never
// fails resolution; probes that error degrade to empty settings.
package sysproxy

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/yolkispalkis/proxypilot/pkg/common"
	"github.com/yolkispalkis/proxypilot/pkg/config"
)

const defaultCacheKey = "_default_"

// Settings is what the system advertises. The zero value means "nothing
// configured".
type Settings struct {
	HTTP    string // proxy URL for plain http targets
	HTTPS   string // proxy URL for https targets
	NoProxy string // comma-separated bypass list
	PacURL  string // PAC script location advertised by the OS
}

// HasProxy reports whether an explicit proxy URL was found.
func (s Settings) HasProxy() bool { return s.HTTP != "" || s.HTTPS != "" }

// Empty reports whether nothing at all was found.
func (s Settings) Empty() bool { return s == Settings{} }

// ProxyFor returns the proxy URL matching a target scheme.
func (s Settings) ProxyFor(scheme string) string {
	if strings.EqualFold(scheme, "https") && s.HTTPS != "" {
		return s.HTTPS
	}
	return s.HTTP
}

// envProxyVars in consultation order. Later entries overwrite earlier ones,
// so a lowercase variable wins over its uppercase twin when both are set.
var envProxyVars = []string{
	"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy",
	"ALL_PROXY", "all_proxy", "NO_PROXY", "no_proxy",
}

// Detector probes the system for proxy settings and caches what it finds
// per target URL until the next forced refresh.
type Detector struct {
	enabled   bool
	detectPac bool
	timeout   time.Duration

	// Injectable probes, for tests.
	getenvFn func(string) string
	osFn     func(ctx context.Context, timeout time.Duration) Settings

	mu    sync.RWMutex
	cache map[string]Settings
}

// New builds a Detector from the system_proxy config block.
func New(cfg config.SystemProxyConfig) *Detector {
	return &Detector{
		enabled:   cfg.UseSystemProxy,
		detectPac: cfg.DetectPac,
		timeout:   time.Duration(cfg.ConnectionTimeout) * time.Second,
		getenvFn:  os.Getenv,
		osFn:      osSettings,
		cache:     make(map[string]Settings),
	}
}

// Detect returns the system proxy settings relevant for targetURL. Results
// are cached per target; force bypasses the cache for this call and stores
// the fresh result.
func (d *Detector) Detect(ctx context.Context, targetURL string, force bool) Settings {
	if !d.enabled {
		return Settings{}
	}

	key := targetURL
	if key == "" {
		key = defaultCacheKey
	}

	if !force {
		d.mu.RLock()
		cached, ok := d.cache[key]
		d.mu.RUnlock()
		if ok {
			slog.Debug("System proxy settings served from cache", "target", key)
			return cached
		}
	}

	settings := d.fromEnv()
	if !settings.HasProxy() {
		osFound := d.osFn(ctx, d.timeout)
		settings = mergeOver(settings, osFound)
	}
	if !d.detectPac {
		settings.PacURL = ""
	}

	d.mu.Lock()
	d.cache[key] = settings
	d.mu.Unlock()

	if settings.Empty() {
		slog.Debug("No system proxy detected", "target", key)
	} else {
		slog.Debug("System proxy detected",
			"target", key, "http", settings.HTTP, "https", settings.HTTPS,
			"pac_url", settings.PacURL, "no_proxy", settings.NoProxy != "")
	}
	return settings
}

// ClearCache drops every cached detection result.
func (d *Detector) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]Settings)
	d.mu.Unlock()
}

// fromEnv reads the conventional proxy variables. ALL_PROXY fills whichever
// of http/https is still unset, and an http proxy mirrors onto https when no
// https-specific one exists.
func (d *Detector) fromEnv() Settings {
	var s Settings
	for _, name := range envProxyVars {
		value := d.getenvFn(name)
		if value == "" {
			continue
		}
		lower := strings.ToLower(name)
		switch {
		case strings.HasPrefix(lower, "http_"):
			s.HTTP = value
		case strings.HasPrefix(lower, "https_"):
			s.HTTPS = value
		case strings.HasPrefix(lower, "all_"):
			if s.HTTP == "" {
				s.HTTP = value
			}
			if s.HTTPS == "" {
				s.HTTPS = value
			}
		case strings.HasPrefix(lower, "no_proxy"):
			s.NoProxy = value
		}
	}
	if s.HTTP != "" && s.HTTPS == "" {
		s.HTTPS = s.HTTP
	}
	return s
}

// mergeOver lays over's non-empty fields on top of base.
func mergeOver(base, over Settings) Settings {
	if over.HTTP != "" {
		base.HTTP = over.HTTP
	}
	if over.HTTPS != "" {
		base.HTTPS = over.HTTPS
	}
	if over.NoProxy != "" {
		base.NoProxy = over.NoProxy
	}
	if over.PacURL != "" {
		base.PacURL = over.PacURL
	}
	return base
}

// runCmd executes a settings probe with a bounded timeout and returns its
// trimmed stdout.
func runCmd(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultConnectionTimeout) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, name, args...).Output()
	if err != nil {
		if common.IsTimeoutError(err) || cmdCtx.Err() != nil {
			slog.Debug("Settings probe timed out", "cmd", name)
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
