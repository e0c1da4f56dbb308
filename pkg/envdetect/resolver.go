// Package envdetect classifies the machine into an environment label
// (local, dev, prod, or a custom label) from explicit overrides,
// environment variables, the hostname, and local IP addresses.
package envdetect

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yolkispalkis/proxypilot/pkg/common"
	"github.com/yolkispalkis/proxypilot/pkg/config"
)

// Method identifies which signal produced an environment label.
type Method string

const (
	MethodExplicit        Method = "explicit_override"
	MethodEnvVar          Method = "env_var"
	MethodHostnamePattern Method = "hostname_pattern"
	MethodHostnameRegex   Method = "hostname_regex"
	MethodIPRange         Method = "ip_range"
	MethodInteractive     Method = "interactive"
	MethodDefault         Method = "default"
)

// Environment is a detection result.
type Environment struct {
	Label      string
	Method     Method
	DetectedAt time.Time
}

// envVarNames are the conventional variables consulted after the configured
// one, in order.
var envVarNames = []string{"ENVIRONMENT", "ENV", "APP_ENV", "ENVIRONMENT_TYPE", "PROXY_ENV", "PROXYPILOT_ENV"}

// Asker supplies an environment label interactively. It is only consulted
// when the detection method is "ask".
type Asker interface {
	AskEnvironment(ctx context.Context, labels []string) (string, error)
}

// Resolver runs the detection precedence chain and memoizes the result.
type Resolver struct {
	cfg      config.DetectionConfig
	labels   []string
	override string

	hostCls *HostnameClassifier
	ipCls   *IPRangeClassifier
	asker   Asker

	// Injectable host probes, for tests.
	hostnameFn func() (string, error)
	addrsFn    func() ([]netip.Addr, error)
	getenvFn   func(string) string

	mu     sync.Mutex
	cached Environment
	valid  bool
}

// New builds a Resolver from the detection config. labels fixes the order
// in which classification rules are tried; override, when non-empty, wins
// over every signal. Malformed rules fail construction.
func New(cfg config.DetectionConfig, labels []string, override string) (*Resolver, error) {
	hostCls, err := NewHostnameClassifier(cfg.HostnamePatterns, cfg.HostnameRegex, labels)
	if err != nil {
		return nil, fmt.Errorf("hostname rules: %w", err)
	}
	ipCls, err := NewIPRangeClassifier(cfg.IPRanges, labels)
	if err != nil {
		return nil, fmt.Errorf("ip rules: %w", err)
	}
	return &Resolver{
		cfg:        cfg,
		labels:     labels,
		override:   strings.ToLower(strings.TrimSpace(override)),
		hostCls:    hostCls,
		ipCls:      ipCls,
		hostnameFn: os.Hostname,
		addrsFn:    localAddrs,
		getenvFn:   os.Getenv,
	}, nil
}

// SetAsker installs the interactive fallback used by the "ask" method.
func (r *Resolver) SetAsker(a Asker) {
	r.mu.Lock()
	r.asker = a
	r.mu.Unlock()
}

// ClearCache drops the memoized detection so the next Detect re-derives it.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.valid = false
	r.mu.Unlock()
}

// Detect returns the environment for this machine. The result is memoized;
// force re-runs the chain. Detection never fails: when no signal matches,
// the label falls back to "local" with the default method.
func (r *Resolver) Detect(ctx context.Context, force bool) Environment {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid && !force {
		return r.cached
	}

	env := r.detect(ctx)
	env.DetectedAt = time.Now()
	r.cached = env
	r.valid = true

	slog.Info("Environment detected", "label", env.Label, "method", env.Method)
	return env
}

func (r *Resolver) detect(ctx context.Context) Environment {
	if r.override != "" {
		return Environment{Label: r.override, Method: MethodExplicit}
	}

	method := r.cfg.Method
	if method == "" {
		method = config.DetectAuto
	}

	if method == config.DetectEnvVar || method == config.DetectAuto {
		if label, ok := r.detectByEnvVar(); ok {
			return Environment{Label: label, Method: MethodEnvVar}
		}
	}

	if method == config.DetectHostname || method == config.DetectAuto {
		hostname, err := r.hostnameFn()
		if err != nil {
			slog.Debug("Hostname lookup failed during detection", "error", err)
		} else if label, m, ok := r.hostCls.Classify(hostname); ok {
			slog.Debug("Environment matched by hostname", "hostname", hostname, "label", label, "method", m)
			return Environment{Label: label, Method: m}
		}
	}

	if (method == config.DetectIP || method == config.DetectAuto) && !r.ipCls.Empty() {
		addrs, err := r.addrsFn()
		if err != nil {
			slog.Debug("Local address scan failed during detection", "error", err)
		} else {
			for _, addr := range addrs {
				if label, ok := r.ipCls.Classify(addr); ok {
					slog.Debug("Environment matched by IP range", "addr", addr, "label", label)
					return Environment{Label: label, Method: MethodIPRange}
				}
			}
		}
	}

	if method == config.DetectAsk && r.asker != nil {
		if label, err := r.asker.AskEnvironment(ctx, r.labels); err != nil {
			slog.Debug("Interactive environment selection failed", "error", err)
		} else if label = strings.ToLower(strings.TrimSpace(label)); label != "" {
			return Environment{Label: label, Method: MethodInteractive}
		}
	}

	slog.Debug("No detection signal matched, defaulting", "label", common.DefaultEnvironment)
	return Environment{Label: common.DefaultEnvironment, Method: MethodDefault}
}

// detectByEnvVar checks the configured variable first, exact label matches
// only. The conventional variables follow, where a value may also match a
// label partially in either direction ("production" selects prod).
func (r *Resolver) detectByEnvVar() (string, bool) {
	if name := r.cfg.EnvVarName; name != "" {
		value := strings.ToLower(strings.TrimSpace(r.getenvFn(name)))
		if value != "" && r.isKnownLabel(value) {
			slog.Debug("Environment from configured variable", "var", name, "label", value)
			return value, true
		}
	}

	for _, name := range envVarNames {
		value := strings.ToLower(strings.TrimSpace(r.getenvFn(name)))
		if value == "" {
			continue
		}
		if r.isKnownLabel(value) {
			slog.Debug("Environment from variable", "var", name, "label", value)
			return value, true
		}
		for _, label := range r.labels {
			if strings.Contains(value, label) || strings.Contains(label, value) {
				slog.Debug("Environment from variable (partial match)", "var", name, "value", value, "label", label)
				return label, true
			}
		}
	}
	return "", false
}

func (r *Resolver) isKnownLabel(value string) bool {
	for _, label := range r.labels {
		if value == label {
			return true
		}
	}
	return false
}

// localAddrs lists the machine's unicast addresses, loopback and link-local
// excluded, in a stable order.
func localAddrs() ([]netip.Addr, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(ifaceAddrs))
	for _, ia := range ifaceAddrs {
		ipnet, ok := ia.(*net.IPNet)
		if !ok || ipnet.IP == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs, nil
}
