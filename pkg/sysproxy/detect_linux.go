//go:build linux

package sysproxy

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

var gnomeHostRe = regexp.MustCompile(`'([^']+)'`)

// osSettings reads desktop proxy configuration: GNOME via gsettings first,
// then KDE via kreadconfig5 when GNOME reports nothing.
func osSettings(ctx context.Context, timeout time.Duration) Settings {
	s := gnomeSettings(ctx, timeout)
	if s.Empty() {
		s = kdeSettings(ctx, timeout)
	}
	return s
}

func gnomeSettings(ctx context.Context, timeout time.Duration) Settings {
	var s Settings

	mode, err := runCmd(ctx, timeout, "gsettings", "get", "org.gnome.system.proxy", "mode")
	if err != nil {
		slog.Debug("gsettings probe failed", "error", err)
		return s
	}

	switch {
	case strings.Contains(mode, "manual"):
		if hostPort := gnomeHostPort(ctx, timeout, "org.gnome.system.proxy.http"); hostPort != "" {
			s.HTTP = "http://" + hostPort
		}
		if hostPort := gnomeHostPort(ctx, timeout, "org.gnome.system.proxy.https"); hostPort != "" {
			s.HTTPS = "http://" + hostPort
		}
		if ignore, err := runCmd(ctx, timeout, "gsettings", "get", "org.gnome.system.proxy", "ignore-hosts"); err == nil && !strings.Contains(ignore, "nothing") {
			if hosts := gnomeHostRe.FindAllStringSubmatch(ignore, -1); len(hosts) > 0 {
				parts := make([]string, 0, len(hosts))
				for _, m := range hosts {
					parts = append(parts, m[1])
				}
				s.NoProxy = strings.Join(parts, ",")
			}
		}
	case strings.Contains(mode, "auto"):
		if pacURL, err := runCmd(ctx, timeout, "gsettings", "get", "org.gnome.system.proxy", "autoconfig-url"); err == nil {
			s.PacURL = strings.Trim(pacURL, "'")
		}
	}
	return s
}

func gnomeHostPort(ctx context.Context, timeout time.Duration, schema string) string {
	host, err := runCmd(ctx, timeout, "gsettings", "get", schema, "host")
	if err != nil {
		return ""
	}
	host = strings.Trim(host, "'")
	port, err := runCmd(ctx, timeout, "gsettings", "get", schema, "port")
	if err != nil || host == "" || port == "" || port == "0" {
		return ""
	}
	return host + ":" + port
}

func kdeSettings(ctx context.Context, timeout time.Duration) Settings {
	var s Settings

	read := func(key string) string {
		out, err := runCmd(ctx, timeout, "kreadconfig5",
			"--file", "kioslaverc", "--group", "Proxy Settings", "--key", key)
		if err != nil {
			return ""
		}
		return out
	}

	switch read("ProxyType") {
	case "1": // manual
		if httpProxy := read("httpProxy"); httpProxy != "" {
			s.HTTP = ensureHTTPScheme(httpProxy)
		}
		if httpsProxy := read("httpsProxy"); httpsProxy != "" {
			s.HTTPS = ensureHTTPScheme(httpsProxy)
		}
		if noProxy := read("NoProxyFor"); noProxy != "" {
			s.NoProxy = strings.ReplaceAll(noProxy, ";", ",")
		}
	case "2": // PAC script
		s.PacURL = read("Proxy Config Script")
	}
	return s
}

func ensureHTTPScheme(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	// KDE stores "host port" for some versions; normalize to host:port.
	addr = strings.ReplaceAll(strings.TrimSpace(addr), " ", ":")
	return "http://" + addr
}
