package proxy

import (
	"net"
	"net/url"
	"strconv"
)

// Source identifies which resolution step produced a descriptor.
type Source string

const (
	SourceNoProxy Source = "no_proxy" // target matched a bypass pattern
	SourceConfig  Source = "config"   // explicit or per-environment proxy_url
	SourceSystem  Source = "system"   // proxy environment variables or OS settings
	SourcePac     Source = "pac"      // PAC script evaluation
	SourceDirect  Source = "direct"   // nothing yielded a proxy
)

// AuthNone marks a descriptor that needs no proxy authentication. The
// other descriptor auth types are the config ones, basic and ntlm.
const AuthNone = "none"

// Descriptor is the resolved answer for one target: where to connect,
// how to authenticate, and which hosts bypass the proxy. It is a value
// object; callers must not mutate NoProxy.
type Descriptor struct {
	Scheme     string // http, https, socks4, socks5; empty when direct
	Host       string // empty when direct
	Port       int
	AuthType   string // none, basic or ntlm
	AuthDomain string // non-empty exactly when AuthType is ntlm
	NoProxy    []string
	Source     Source
	Stale      bool // served from the last known good result
}

// Direct reports whether the target should be reached without a proxy.
func (d Descriptor) Direct() bool {
	return d.Host == ""
}

// URL renders the proxy address, or nil for a direct descriptor.
func (d Descriptor) URL() *url.URL {
	if d.Direct() {
		return nil
	}
	return &url.URL{
		Scheme: d.Scheme,
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
	}
}
