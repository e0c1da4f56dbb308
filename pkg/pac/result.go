package pac

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// ResultType indicates the outcome of PAC evaluation for a URL.
type ResultType int

const (
	ResultUnknown ResultType = iota // error or undetermined
	ResultDirect                    // "DIRECT"
	ResultProxy                     // one or more proxies specified
)

// ProxyInfo describes a single proxy server returned by PAC.
type ProxyInfo struct {
	Scheme string // "http", "https", "socks4", "socks5"
	Host   string // "hostname:port"
}

// URL renders the proxy as a net/url.URL.
func (p ProxyInfo) URL() (*url.URL, error) {
	return url.Parse(p.Scheme + "://" + p.Host)
}

// Result represents the parsed outcome of FindProxyForURL.
type Result struct {
	Type    ResultType
	Proxies []ProxyInfo // ordered candidate list when Type is ResultProxy
}

// First returns the first proxy candidate, if any.
func (r Result) First() (ProxyInfo, bool) {
	if r.Type != ResultProxy || len(r.Proxies) == 0 {
		return ProxyInfo{}, false
	}
	return r.Proxies[0], true
}

const pacDelimiter = ";"

// ParseResult parses a FindProxyForURL return string such as
// "PROXY proxy.corp:3128; SOCKS5 fallback:1080; DIRECT". A leading DIRECT
// short-circuits; a trailing DIRECT after proxies only marks the fallback
// the candidate list already implies.
func ParseResult(result string) Result {
	result = strings.TrimSpace(result)
	if result == "" {
		return Result{Type: ResultUnknown}
	}

	parsed := Result{}
	for _, part := range strings.Split(result, pacDelimiter) {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}

		directive := strings.ToUpper(fields[0])
		if directive == "DIRECT" {
			if len(parsed.Proxies) == 0 {
				return Result{Type: ResultDirect}
			}
			continue
		}

		var scheme string
		switch directive {
		case "PROXY", "HTTP":
			scheme = "http"
		case "HTTPS":
			scheme = "https"
		case "SOCKS", "SOCKS4":
			scheme = "socks4"
		case "SOCKS5":
			scheme = "socks5"
		default:
			slog.Debug("Ignoring unknown PAC directive", "directive", part)
			continue
		}

		if len(fields) < 2 {
			slog.Debug("PAC directive missing host:port", "directive", part)
			continue
		}
		host := fields[1]
		if !strings.Contains(host, ":") {
			host = net.JoinHostPort(host, defaultProxyPort(scheme))
		}
		parsed.Type = ResultProxy
		parsed.Proxies = append(parsed.Proxies, ProxyInfo{Scheme: scheme, Host: host})
	}

	if parsed.Type != ResultProxy {
		return Result{Type: ResultUnknown}
	}
	return parsed
}

func defaultProxyPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "socks4", "socks5":
		return "1080"
	default:
		return "80"
	}
}
