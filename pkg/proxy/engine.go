// Package proxy is the resolution engine. It classifies the running
// environment, merges configuration layers, consults system settings and
// PAC scripts, and answers "which proxy for this URL" with a Descriptor.
// The engine performs no transport itself; callers configure their own
// HTTP client from the answer.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yolkispalkis/proxypilot/pkg/common"
	"github.com/yolkispalkis/proxypilot/pkg/config"
	"github.com/yolkispalkis/proxypilot/pkg/creds"
	"github.com/yolkispalkis/proxypilot/pkg/envdetect"
	"github.com/yolkispalkis/proxypilot/pkg/logging"
	"github.com/yolkispalkis/proxypilot/pkg/pac"
	"github.com/yolkispalkis/proxypilot/pkg/sysproxy"
)

// placeholderTarget stands in for "any URL" when a caller wants the
// process-wide proxy rather than a per-target answer.
const placeholderTarget = "http://example.com"

// Engine resolves proxies. A single mutex guards every cached layer, so
// a cache miss and its recompute form one atomic step: concurrent
// resolves of the same target cost one PAC fetch, not several.
type Engine struct {
	cfg *config.Config
	ov  config.Overrides

	env   *envdetect.Resolver
	sys   *sysproxy.Detector
	pac   *pac.Resolver
	creds *creds.Resolver

	cacheTTL time.Duration

	// Injectable for tests.
	nowFn    func() time.Time
	getenvFn func(string) string
	credsFn  func(ctx context.Context, envLabel, authType string) (creds.Credentials, error)

	mu          sync.Mutex
	merged      map[string]config.EnvironmentSettings
	authDomains map[string]string
	resCache    map[cacheKey]cacheEntry
	lastGood    map[cacheKey]Descriptor
}

type cacheKey struct {
	label string
	host  string
}

type cacheEntry struct {
	desc Descriptor
	at   time.Time
}

// New builds an engine from a loaded configuration and constructor
// overrides. Override URLs are checked here with the same rules the
// config loader applies, so a typo surfaces at construction rather than
// mid-resolution.
func New(cfg *config.Config, ov config.Overrides) (*Engine, error) {
	if ov.Debug {
		logging.SetDebug(true)
	}
	if ov.ProxyURL != "" {
		if err := config.ValidateProxyURL(ov.ProxyURL); err != nil {
			return nil, &config.ValidationError{Field: "proxy_url override", Reason: err.Error()}
		}
	}
	if ov.PacURL != "" {
		if err := config.ValidatePacURL(ov.PacURL); err != nil {
			return nil, &config.ValidationError{Field: "pac_url override", Reason: err.Error()}
		}
	}

	envRes, err := envdetect.New(cfg.Detection, cfg.Labels(), ov.Environment)
	if err != nil {
		return nil, err
	}

	explicitPac := ov.PacURL
	if explicitPac == "" {
		explicitPac = cfg.SystemProxy.PacURL
	}
	pacRes, err := pac.NewResolver(pac.Options{
		ExplicitURL:    explicitPac,
		WellKnownPaths: pac.DefaultWellKnownPaths(),
		FetchTimeout:   time.Duration(cfg.SystemProxy.ConnectionTimeout) * time.Second,
		ExecTimeout:    time.Duration(cfg.SystemProxy.PacExecutionTimeout) * time.Second,
		TTL:            time.Duration(cfg.SystemProxy.PacFileTTL) * time.Second,
		Charset:        cfg.SystemProxy.PacCharset,
	})
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(cfg.CacheTTL) * time.Second
	if ttl <= 0 {
		ttl = time.Duration(config.DefaultCacheTTL) * time.Second
	}

	credsRes := creds.New(cfg.Credentials, ov)
	e := &Engine{
		cfg:         cfg,
		ov:          ov,
		env:         envRes,
		sys:         sysproxy.New(cfg.SystemProxy),
		pac:         pacRes,
		creds:       credsRes,
		cacheTTL:    ttl,
		nowFn:       time.Now,
		getenvFn:    os.Getenv,
		credsFn:     credsRes.Resolve,
		merged:      make(map[string]config.EnvironmentSettings),
		authDomains: make(map[string]string),
		resCache:    make(map[cacheKey]cacheEntry),
		lastGood:    make(map[cacheKey]Descriptor),
	}
	slog.Debug("Proxy engine ready",
		"cache_ttl", ttl, "explicit_pac", explicitPac != "",
		"system_proxy", cfg.SystemProxy.UseSystemProxy)
	return e, nil
}

// Resolve answers which proxy to use for targetURL. The order is fixed:
// a no_proxy match wins outright, then an explicitly configured proxy
// URL, then an explicitly configured PAC script, then system settings,
// then a discovered PAC script; when nothing applies the answer is
// direct. Failures in the probing layers degrade to the next step or,
// for a broken PAC source, to the last known good result; only
// configuration mistakes surface as errors.
func (e *Engine) Resolve(ctx context.Context, targetURL string) (Descriptor, error) {
	tgt, err := parseTarget(targetURL)
	if err != nil {
		return Descriptor{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	envr := e.env.Detect(ctx, false)
	key := cacheKey{label: envr.Label, host: tgt.host}
	if ent, ok := e.resCache[key]; ok && e.nowFn().Sub(ent.at) < e.cacheTTL {
		return ent.desc, nil
	}

	settings := e.mergedLocked(envr.Label)
	desc, err := e.resolveLocked(ctx, settings, tgt)
	if err != nil {
		if isConfigErr(err) {
			return Descriptor{}, err
		}
		if prev, ok := e.lastGood[key]; ok {
			slog.Warn("Resolution failed, serving last known good result",
				"target", tgt.host, "environment", envr.Label, "error", err)
			prev.Stale = true
			return prev, nil
		}
		slog.Debug("Resolution failed with no previous result, answering direct",
			"target", tgt.host, "environment", envr.Label, "error", err)
		return e.directDesc(SourceDirect, e.bypassEntries(settings)), nil
	}

	e.resCache[key] = cacheEntry{desc: desc, at: e.nowFn()}
	e.lastGood[key] = desc
	return desc, nil
}

// resolveLocked runs the resolution pipeline for one target. Must be
// called with e.mu held.
func (e *Engine) resolveLocked(ctx context.Context, s config.EnvironmentSettings, tgt target) (Descriptor, error) {
	bypass := e.bypassEntries(s)
	if sysproxy.MatchNoProxy(tgt.host, tgt.port, bypass) {
		slog.Debug("Target bypasses the proxy", "target", tgt.host, "environment", s.Label)
		return e.directDesc(SourceNoProxy, bypass), nil
	}

	if s.ProxyURL != "" {
		return e.proxiedDesc(ctx, s, s.ProxyURL, SourceConfig, bypass)
	}

	// An explicitly configured PAC source is a deliberate choice and
	// outranks system probing; discovered sources come after it.
	if s.PacURL != "" {
		if desc, ok, err := e.pacDesc(ctx, s, tgt, "", bypass); err != nil || ok {
			return desc, err
		}
	}

	var sys sysproxy.Settings
	if e.cfg.SystemProxy.UseSystemProxy {
		sys = e.sys.Detect(ctx, tgt.raw, false)
		if sys.HasProxy() {
			entries := mergeEntries(bypass, config.SplitNoProxy(sys.NoProxy))
			if sysproxy.MatchNoProxy(tgt.host, tgt.port, entries) {
				slog.Debug("Target bypasses the system proxy", "target", tgt.host)
				return e.directDesc(SourceNoProxy, entries), nil
			}
			if raw := sys.ProxyFor(tgt.scheme); raw != "" {
				desc, err := e.proxiedDesc(ctx, s, raw, SourceSystem, entries)
				if err == nil || isConfigErr(err) {
					return desc, err
				}
				slog.Debug("System proxy setting unusable", "value", raw, "error", err)
			}
		}
	}

	if s.PacURL == "" && e.cfg.SystemProxy.DetectPac {
		if desc, ok, err := e.pacDesc(ctx, s, tgt, sys.PacURL, bypass); err != nil || ok {
			return desc, err
		}
	}

	return e.directDesc(SourceDirect, bypass), nil
}

// proxiedDesc builds a proxied descriptor from a proxy URL string,
// stamping the environment's auth expectation onto it.
func (e *Engine) proxiedDesc(ctx context.Context, s config.EnvironmentSettings, raw string, src Source, bypass []string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Descriptor{}, fmt.Errorf("unusable proxy URL %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	port := common.DefaultPortForScheme(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Descriptor{}, fmt.Errorf("unusable port in proxy URL %q", raw)
		}
		port = n
	}
	return e.withAuth(ctx, s, Descriptor{
		Scheme:  scheme,
		Host:    strings.ToLower(u.Hostname()),
		Port:    port,
		NoProxy: bypass,
		Source:  src,
	})
}

// pacDesc consults the PAC layer. ok=false with a nil error means PAC
// produced nothing usable and the pipeline should continue.
func (e *Engine) pacDesc(ctx context.Context, s config.EnvironmentSettings, tgt target, advertised string, bypass []string) (Descriptor, bool, error) {
	res, err := e.pac.Resolve(ctx, tgt.raw, advertised, false)
	if err != nil {
		return Descriptor{}, false, err
	}
	switch res.Type {
	case pac.ResultDirect:
		return e.directDesc(SourcePac, bypass), true, nil
	case pac.ResultProxy:
		first, _ := res.First()
		host, portStr, err := net.SplitHostPort(first.Host)
		if err != nil {
			slog.Debug("PAC candidate unusable", "candidate", first.Host, "error", err)
			return Descriptor{}, false, nil
		}
		port, _ := strconv.Atoi(portStr)
		desc, err := e.withAuth(ctx, s, Descriptor{
			Scheme:  first.Scheme,
			Host:    strings.ToLower(host),
			Port:    port,
			NoProxy: bypass,
			Source:  SourcePac,
		})
		if err != nil {
			return Descriptor{}, false, err
		}
		return desc, true, nil
	default:
		return Descriptor{}, false, nil
	}
}

// withAuth stamps the environment's auth type onto a proxied descriptor.
// An ntlm environment must yield a domain from the credential chain or
// the configuration is inconsistent.
func (e *Engine) withAuth(ctx context.Context, s config.EnvironmentSettings, d Descriptor) (Descriptor, error) {
	if s.AuthType == "" {
		d.AuthType = AuthNone
		return d, nil
	}
	d.AuthType = s.AuthType
	if s.AuthType != config.AuthTypeNTLM {
		return d, nil
	}
	domain, err := e.authDomainLocked(ctx, s.Label)
	if err != nil {
		return Descriptor{}, err
	}
	if domain == "" {
		return Descriptor{}, &config.ValidationError{
			Field:  "environments." + s.Label,
			Reason: "auth_type ntlm needs a domain: set credentials.domain, the domain override or PROXYPILOT_DOMAIN",
		}
	}
	d.AuthDomain = domain
	return d, nil
}

// authDomainLocked resolves and memoizes the NTLM domain for an
// environment. Must be called with e.mu held.
func (e *Engine) authDomainLocked(ctx context.Context, label string) (string, error) {
	if d, ok := e.authDomains[label]; ok {
		return d, nil
	}
	c, err := e.credsFn(ctx, label, config.AuthTypeNTLM)
	if err != nil {
		return "", err
	}
	e.authDomains[label] = c.Domain
	return c.Domain, nil
}

// mergedLocked returns the memoized merged settings for label. Must be
// called with e.mu held.
func (e *Engine) mergedLocked(label string) config.EnvironmentSettings {
	if s, ok := e.merged[label]; ok {
		return s
	}
	s := e.cfg.MergedEnvironment(label, e.ov)
	e.merged[label] = s
	return s
}

func (e *Engine) directDesc(src Source, bypass []string) Descriptor {
	return Descriptor{AuthType: AuthNone, NoProxy: bypass, Source: src}
}

// bypassEntries combines the merged environment bypass list with the
// conventional no_proxy variable, lowercase name first.
func (e *Engine) bypassEntries(s config.EnvironmentSettings) []string {
	raw := e.getenvFn("no_proxy")
	if raw == "" {
		raw = e.getenvFn("NO_PROXY")
	}
	return mergeEntries(s.NoProxy, config.SplitNoProxy(raw))
}

// DetectEnvironment classifies the machine, re-running the detection
// chain when force is set. Detection never fails; an unmatched machine
// is "local".
func (e *Engine) DetectEnvironment(ctx context.Context, force bool) envdetect.Environment {
	return e.env.Detect(ctx, force)
}

// CurrentEnvironment returns the environment in effect, detecting it on
// first use.
func (e *Engine) CurrentEnvironment(ctx context.Context) envdetect.Environment {
	return e.env.Detect(ctx, false)
}

// Refresh drops the merged settings and every resolution result and
// re-detects the environment, all under one lock so no caller observes a
// half-refreshed engine. force additionally flushes the system-proxy
// probe cache and the fetched PAC documents. Last known good results
// survive; the Stale flag keeps them honest.
func (e *Engine) Refresh(ctx context.Context, force bool) envdetect.Environment {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.merged = make(map[string]config.EnvironmentSettings)
	e.authDomains = make(map[string]string)
	e.resCache = make(map[cacheKey]cacheEntry)
	if force {
		e.sys.ClearCache()
		e.pac.ClearDocuments()
	}
	env := e.env.Detect(ctx, true)
	slog.Debug("Engine refreshed", "environment", env.Label, "force", force)
	return env
}

// ProxyDescriptor resolves the process-wide proxy using a placeholder
// target, refreshing every layer first when force is set.
func (e *Engine) ProxyDescriptor(ctx context.Context, force bool) (Descriptor, error) {
	if force {
		e.Refresh(ctx, true)
	}
	return e.Resolve(ctx, placeholderTarget)
}

// SetDebugLogging toggles debug diagnostics at runtime. Resolution
// behavior does not change.
func (e *Engine) SetDebugLogging(enabled bool) {
	logging.SetDebug(enabled)
}

// SetAsker installs the interactive environment chooser used when the
// detection method is "ask".
func (e *Engine) SetAsker(a envdetect.Asker) {
	e.env.SetAsker(a)
}

// SetPrompter installs the credential prompt consulted when the chain
// finds nothing and prompting is enabled.
func (e *Engine) SetPrompter(p creds.Prompter) {
	e.creds.SetPrompter(p)
}

func isConfigErr(err error) bool {
	var vErr *config.ValidationError
	return errors.As(err, &vErr)
}

// mergeEntries appends extra onto base, dropping duplicates and keeping
// first-seen order.
func mergeEntries(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, entry := range append(append([]string{}, base...), extra...) {
		if !seen[entry] {
			seen[entry] = true
			out = append(out, entry)
		}
	}
	return out
}

type target struct {
	raw    string
	scheme string
	host   string
	port   string
}

// parseTarget accepts full URLs and bare host[:port] forms, normalizing
// the latter to http URLs so downstream layers always see a parseable one.
func parseTarget(raw string) (target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return target{}, errors.New("target URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		alt, altErr := url.Parse("http://" + raw)
		if altErr != nil || alt.Hostname() == "" {
			return target{}, fmt.Errorf("cannot parse target URL %q", raw)
		}
		u = alt
		raw = "http://" + raw
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(common.DefaultPortForScheme(scheme))
	}
	return target{
		raw:    raw,
		scheme: scheme,
		host:   strings.ToLower(strings.TrimSuffix(u.Hostname(), ".")),
		port:   port,
	}, nil
}
