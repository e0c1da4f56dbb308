package sysproxy

import (
	"net/netip"
	"strings"
)

// MatchNoProxy reports whether host (with optional port) is covered by the
// bypass entries. Supported entry forms: "*" (everything), a domain or
// ".domain" / "*.domain" suffix, an exact hostname, a bare IP address, a
// CIDR block, and any of these with an ":port" restriction.
func MatchNoProxy(host, port string, entries []string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" || len(entries) == 0 {
		return false
	}
	hostAddr, hostIsIP := parseAddr(host)

	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}

		entryHost, entryPort := splitEntry(entry)
		if entryPort != "" && entryPort != port {
			continue
		}

		if strings.Contains(entryHost, "/") {
			if prefix, err := netip.ParsePrefix(entryHost); err == nil && hostIsIP {
				if prefix.Contains(hostAddr) {
					return true
				}
			}
			continue
		}

		if addr, ok := parseAddr(entryHost); ok {
			if hostIsIP && addr == hostAddr {
				return true
			}
			continue
		}

		suffix := strings.TrimPrefix(entryHost, "*.")
		suffix = strings.TrimPrefix(suffix, ".")
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// splitEntry separates an optional trailing ":port" from a bypass entry,
// leaving bracketed IPv6 hosts and CIDR masks intact.
func splitEntry(entry string) (host, port string) {
	if strings.Contains(entry, "/") {
		return entry, ""
	}
	idx := strings.LastIndex(entry, ":")
	if idx < 0 {
		return entry, ""
	}
	// More than one colon and no brackets: bare IPv6 address, not a port.
	if strings.Count(entry, ":") > 1 && !strings.HasPrefix(entry, "[") {
		return entry, ""
	}
	host, port = entry[:idx], entry[idx+1:]
	if port == "" || !allDigits(port) {
		return entry, ""
	}
	return strings.Trim(host, "[]"), port
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
