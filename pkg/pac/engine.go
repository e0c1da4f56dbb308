// Package pac fetches proxy auto-config scripts and evaluates their
// FindProxyForURL function inside an embedded JavaScript VM. The VM exposes
// only the conventional PAC helper set; scripts cannot reach anything else.
package pac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

const (
	dnsCacheTTL         = 5 * time.Minute
	negativeDNSCacheTTL = 30 * time.Second
	myIPCacheTTL        = 10 * time.Minute
	dnsLookupTimeout    = 2 * time.Second
	dnsCacheMaxEntries  = 1024
)

// errInterrupted is the panic value injected to abort a script that exceeds
// its execution deadline.
var errInterrupted = errors.New("pac script interrupted")

// dnsCacheEntry stores a resolved IP and its expiry. An empty ip is a cached
// negative answer.
type dnsCacheEntry struct {
	ip     string
	expiry time.Time
}

// Engine encapsulates the JS VM and the PAC helper state. A single VM is
// reused across evaluations; vmMutex serializes access.
type Engine struct {
	vm          *otto.Otto
	vmMutex     sync.Mutex
	execTimeout time.Duration

	dnsCacheMu  sync.Mutex
	dnsCache    map[string]dnsCacheEntry
	myIPCacheMu sync.Mutex
	myIPCache   string
	myIPExpiry  time.Time
}

// NewEngine creates a PAC evaluation engine with the helper functions
// registered. execTimeout bounds each FindProxyForURL call.
func NewEngine(execTimeout time.Duration) (*Engine, error) {
	if execTimeout <= 0 {
		execTimeout = 5 * time.Second
	}
	e := &Engine{
		vm:          otto.New(),
		execTimeout: execTimeout,
		dnsCache:    make(map[string]dnsCacheEntry),
	}
	if err := e.registerHelpers(); err != nil {
		return nil, fmt.Errorf("register pac helpers: %w", err)
	}
	return e, nil
}

// ClearCaches drops the DNS and local-IP caches.
func (e *Engine) ClearCaches() {
	e.dnsCacheMu.Lock()
	e.dnsCache = make(map[string]dnsCacheEntry)
	e.dnsCacheMu.Unlock()

	e.myIPCacheMu.Lock()
	e.myIPCache = ""
	e.myIPExpiry = time.Time{}
	e.myIPCacheMu.Unlock()
}

// lookupDNS returns a cached resolution. found with an empty ip means a
// cached negative answer. Expired entries are evicted on access.
func (e *Engine) lookupDNS(host string) (ip string, found bool) {
	e.dnsCacheMu.Lock()
	defer e.dnsCacheMu.Unlock()
	entry, ok := e.dnsCache[host]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiry) {
		delete(e.dnsCache, host)
		return "", false
	}
	return entry.ip, true
}

func (e *Engine) storeDNS(host, ip string, ttl time.Duration) {
	if host == "" {
		return
	}
	e.dnsCacheMu.Lock()
	defer e.dnsCacheMu.Unlock()
	if len(e.dnsCache) >= dnsCacheMaxEntries {
		now := time.Now()
		for h, entry := range e.dnsCache {
			if now.After(entry.expiry) {
				delete(e.dnsCache, h)
			}
		}
	}
	e.dnsCache[host] = dnsCacheEntry{ip: ip, expiry: time.Now().Add(ttl)}
}

func (e *Engine) cachedMyIP() (string, bool) {
	e.myIPCacheMu.Lock()
	defer e.myIPCacheMu.Unlock()
	if e.myIPCache != "" && time.Now().Before(e.myIPExpiry) {
		return e.myIPCache, true
	}
	return "", false
}

func (e *Engine) storeMyIP(ip string) {
	if ip == "" {
		return
	}
	e.myIPCacheMu.Lock()
	e.myIPCache = ip
	e.myIPExpiry = time.Now().Add(myIPCacheTTL)
	e.myIPCacheMu.Unlock()
}

// FindProxyForURL loads script into the VM and calls its FindProxyForURL
// function for targetURL/targetHost, returning the raw directive string.
// Execution is bounded by the engine timeout and the context deadline,
// whichever comes first; overruns are aborted via the VM interrupt channel.
func (e *Engine) FindProxyForURL(ctx context.Context, script, targetURL, targetHost string) (string, error) {
	e.vmMutex.Lock()
	defer e.vmMutex.Unlock()

	evalCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	vm := e.vm
	interrupt := make(chan func(), 1)
	vm.Interrupt = interrupt
	defer func() { vm.Interrupt = nil }()

	halt := make(chan struct{})
	defer close(halt)

	done := make(chan struct{})
	go func() {
		select {
		case <-evalCtx.Done():
			select {
			case interrupt <- func() { panic(errInterrupted) }:
			case <-done:
			case <-halt:
			}
		case <-halt:
		}
	}()

	var raw string
	var evalErr error
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && errors.Is(err, errInterrupted) {
					evalErr = fmt.Errorf("pac script aborted: %w", evalCtx.Err())
				} else {
					evalErr = fmt.Errorf("panic during pac evaluation: %v", r)
				}
			}
			close(done)
		}()

		if _, err := vm.Run(script); err != nil {
			evalErr = fmt.Errorf("load pac script: %w", err)
			return
		}

		value, err := vm.Run(fmt.Sprintf("FindProxyForURL(%q, %q)", targetURL, targetHost))
		if err != nil {
			if strings.Contains(err.Error(), "ReferenceError") && strings.Contains(err.Error(), "FindProxyForURL") {
				evalErr = errors.New("pac script does not define FindProxyForURL")
				return
			}
			evalErr = fmt.Errorf("execute FindProxyForURL: %w", err)
			return
		}
		raw, err = value.ToString()
		if err != nil {
			evalErr = fmt.Errorf("pac result not a string: %w", err)
		}
	}()

	select {
	case <-done:
	case <-evalCtx.Done():
		// The interrupt lands between VM instructions; the helpers all carry
		// bounded timeouts of their own, so done closes shortly after.
		<-done
		if evalErr == nil {
			evalErr = fmt.Errorf("pac script aborted: %w", evalCtx.Err())
		}
	}
	if evalErr != nil {
		return "", evalErr
	}

	slog.Debug("PAC evaluation completed", "url", targetURL, "host", targetHost, "result", raw)
	return raw, nil
}

func (e *Engine) registerHelpers() error {
	helpers := map[string]interface{}{
		"isPlainHostName":     pacIsPlainHostName,
		"dnsDomainIs":         pacDnsDomainIs,
		"localHostOrDomainIs": pacLocalHostOrDomainIs,
		"dnsDomainLevels":     pacDnsDomainLevels,
		"shExpMatch":          pacShExpMatch,
		"weekdayRange":        pacWeekdayRange,
		"dateRange":           pacDateRange,
		"timeRange":           pacTimeRange,
		"alert":               pacAlert,
		"isResolvable":        e.pacIsResolvable,
		"dnsResolve":          e.pacDnsResolve,
		"myIpAddress":         e.pacMyIpAddress,
		"isInNet":             e.pacIsInNet,

		// IPv6-aware extension set, kept minimal.
		"myIpAddressEx": e.pacMyIpAddress,
		"dnsResolveEx":  e.pacDnsResolve,
		"isResolvableEx": func(call otto.FunctionCall) otto.Value {
			return e.pacIsResolvable(call)
		},
		"isInNetEx": func(otto.FunctionCall) otto.Value {
			slog.Debug("PAC isInNetEx not implemented")
			return otto.FalseValue()
		},
		"sortIpAddressList": func(call otto.FunctionCall) otto.Value {
			if arg := call.Argument(0); arg.IsString() {
				return arg
			}
			return otto.NullValue()
		},
	}

	for name, fn := range helpers {
		if err := e.vm.Set(name, fn); err != nil {
			return fmt.Errorf("set pac helper %q: %w", name, err)
		}
	}
	return nil
}
