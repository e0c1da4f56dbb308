package pac

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

func pacAlert(call otto.FunctionCall) otto.Value {
	message, _ := call.Argument(0).ToString()
	slog.Warn("[PAC alert]", "message", message)
	return otto.UndefinedValue()
}

func pacIsPlainHostName(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	result := !strings.Contains(host, ".") && net.ParseIP(host) == nil
	v, _ := call.Otto.ToValue(result)
	return v
}

func pacDnsDomainIs(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	domain, _ := call.Argument(1).ToString()

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(domain, "."), "."))

	if host == "" || domain == "" {
		return otto.FalseValue()
	}
	result := host == domain || strings.HasSuffix(host, "."+domain)
	v, _ := call.Otto.ToValue(result)
	return v
}

func pacLocalHostOrDomainIs(call otto.FunctionCall) otto.Value {
	return pacDnsDomainIs(call)
}

func pacDnsDomainLevels(call otto.FunctionCall) otto.Value {
	host, _ := call.Argument(0).ToString()
	host = strings.TrimSuffix(host, ".")

	levels := 0
	if host != "" && net.ParseIP(host) == nil {
		levels = strings.Count(host, ".")
	}
	v, _ := call.Otto.ToValue(levels)
	return v
}

func pacShExpMatch(call otto.FunctionCall) otto.Value {
	str, _ := call.Argument(0).ToString()
	pattern, _ := call.Argument(1).ToString()

	matched, err := filepath.Match(pattern, str)
	if err != nil {
		slog.Debug("PAC shExpMatch bad pattern", "pattern", pattern, "error", err)
		matched = false
	}
	v, _ := call.Otto.ToValue(matched)
	return v
}

func (e *Engine) pacDnsResolve(call otto.FunctionCall) otto.Value {
	host, err := call.Argument(0).ToString()
	if err != nil {
		return otto.NullValue()
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return otto.NullValue()
	}

	if net.ParseIP(host) != nil {
		val, _ := e.vm.ToValue(host)
		return val
	}

	if ip, found := e.lookupDNS(host); found {
		if ip == "" {
			slog.Debug("PAC dnsResolve negative cache hit", "host", host)
			return otto.NullValue()
		}
		val, _ := e.vm.ToValue(ip)
		return val
	}

	lookupCtx, cancel := context.WithTimeout(context.Background(), dnsLookupTimeout)
	defer cancel()
	ips, lookupErr := net.DefaultResolver.LookupHost(lookupCtx, host)
	if lookupErr != nil || len(ips) == 0 || ips[0] == "" {
		var dnsErr *net.DNSError
		switch {
		case errors.As(lookupErr, &dnsErr) && dnsErr.IsNotFound:
			slog.Debug("PAC dnsResolve NXDOMAIN", "host", host)
		case errors.Is(lookupErr, context.DeadlineExceeded):
			slog.Debug("PAC dnsResolve timed out", "host", host, "timeout", dnsLookupTimeout)
		default:
			slog.Debug("PAC dnsResolve failed", "host", host, "error", lookupErr)
		}
		e.storeDNS(host, "", negativeDNSCacheTTL)
		return otto.NullValue()
	}

	e.storeDNS(host, ips[0], dnsCacheTTL)
	val, _ := e.vm.ToValue(ips[0])
	return val
}

func (e *Engine) pacIsResolvable(call otto.FunctionCall) otto.Value {
	resolved := e.pacDnsResolve(call)
	result := !resolved.IsNull() && !resolved.IsUndefined()
	v, _ := e.vm.ToValue(result)
	return v
}

func (e *Engine) pacMyIpAddress(call otto.FunctionCall) otto.Value {
	if ip, found := e.cachedMyIP(); found {
		val, _ := e.vm.ToValue(ip)
		return val
	}

	ip := findMyIP()
	e.storeMyIP(ip)
	val, _ := e.vm.ToValue(ip)
	return val
}

// findMyIP picks the first usable non-loopback address, preferring IPv4.
// Falls back to "127.0.0.1" the way browsers do when nothing qualifies.
func findMyIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Debug("PAC myIpAddress interface scan failed", "error", err)
		return "127.0.0.1"
	}

	var firstIPv6 string
	for _, address := range addrs {
		ipnet, ok := address.(*net.IPNet)
		if !ok || ipnet.IP == nil {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
		if firstIPv6 == "" && ip.IsGlobalUnicast() {
			firstIPv6 = ip.String()
		}
	}
	if firstIPv6 != "" {
		return firstIPv6
	}
	return "127.0.0.1"
}

func (e *Engine) pacIsInNet(call otto.FunctionCall) otto.Value {
	argHost := call.Argument(0)
	patternStr, errP := call.Argument(1).ToString()
	maskStr, errM := call.Argument(2).ToString()
	if errP != nil || errM != nil || !argHost.IsString() {
		return otto.FalseValue()
	}

	hostStr, _ := argHost.ToString()
	hostStr = strings.TrimSpace(hostStr)

	hostIPStr := hostStr
	if net.ParseIP(hostStr) == nil {
		resolved := e.pacDnsResolve(otto.FunctionCall{
			Otto:         call.Otto,
			This:         call.This,
			ArgumentList: []otto.Value{argHost},
		})
		if resolved.IsNull() || resolved.IsUndefined() {
			return otto.FalseValue()
		}
		hostIPStr, _ = resolved.ToString()
	}

	result := ipIsInNet(hostIPStr, patternStr, maskStr)
	v, _ := e.vm.ToValue(result)
	return v
}

// ipIsInNet applies pattern/mask to ip. The pattern may also be CIDR
// notation, in which case the mask argument is ignored.
func ipIsInNet(ipStr, patternStr, maskStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	if _, ipNet, err := net.ParseCIDR(patternStr); err == nil {
		return ipNet.Contains(ip)
	}

	patternIP := net.ParseIP(patternStr)
	maskIP := net.ParseIP(maskStr)
	if patternIP == nil || maskIP == nil {
		slog.Debug("PAC isInNet unparsable pattern or mask", "pattern", patternStr, "mask", maskStr)
		return false
	}

	if ip4, p4, m4 := ip.To4(), patternIP.To4(), maskIP.To4(); ip4 != nil && p4 != nil && m4 != nil {
		mask := net.IPMask(m4)
		return ip4.Mask(mask).Equal(p4.Mask(mask))
	}
	if ip16, p16, m16 := ip.To16(), patternIP.To16(), maskIP.To16(); ip16 != nil && p16 != nil && m16 != nil {
		mask := net.IPMask(m16)
		return ip16.Mask(mask).Equal(p16.Mask(mask))
	}
	return false
}

func pacWeekdayRange(call otto.FunctionCall) otto.Value {
	argc := len(call.ArgumentList)
	if argc < 1 || argc > 3 {
		return otto.FalseValue()
	}

	wd1Str, _ := call.Argument(0).ToString()
	wd2Str := wd1Str
	if argc >= 2 && !call.Argument(1).IsUndefined() {
		second, _ := call.Argument(1).ToString()
		if !strings.EqualFold(second, "GMT") {
			wd2Str = second
		}
	}

	now := time.Now()
	if lastArgIsGMT(call) {
		now = now.UTC()
	}

	wd1 := parseWeekday(wd1Str)
	wd2 := parseWeekday(wd2Str)
	if wd1 < 0 || wd2 < 0 {
		return otto.FalseValue()
	}

	current := now.Weekday()
	var result bool
	if wd1 <= wd2 {
		result = current >= wd1 && current <= wd2
	} else {
		// Range wraps the week boundary, e.g. FRI..MON.
		result = current >= wd1 || current <= wd2
	}
	v, _ := call.Otto.ToValue(result)
	return v
}

func parseWeekday(s string) time.Weekday {
	switch strings.ToUpper(s) {
	case "SUN":
		return time.Sunday
	case "MON":
		return time.Monday
	case "TUE":
		return time.Tuesday
	case "WED":
		return time.Wednesday
	case "THU":
		return time.Thursday
	case "FRI":
		return time.Friday
	case "SAT":
		return time.Saturday
	default:
		return -1
	}
}

// pacDateRange supports the numeric day-of-month form only; richer month and
// year forms evaluate to false.
func pacDateRange(call otto.FunctionCall) otto.Value {
	if len(call.ArgumentList) < 1 {
		return otto.FalseValue()
	}
	day, err := call.Argument(0).ToInteger()
	if err != nil || day < 1 || day > 31 {
		return otto.FalseValue()
	}

	now := time.Now()
	if lastArgIsGMT(call) {
		now = now.UTC()
	}
	v, _ := call.Otto.ToValue(int64(now.Day()) == day)
	return v
}

// pacTimeRange supports the single-hour and hour..hour forms.
func pacTimeRange(call otto.FunctionCall) otto.Value {
	argc := len(call.ArgumentList)
	if argc < 1 {
		return otto.FalseValue()
	}

	h1, err := call.Argument(0).ToInteger()
	if err != nil || h1 < 0 || h1 > 23 {
		return otto.FalseValue()
	}
	h2 := h1
	if argc >= 2 && !call.Argument(1).IsUndefined() {
		second, _ := call.Argument(1).ToString()
		if !strings.EqualFold(second, "GMT") {
			parsed, err := call.Argument(1).ToInteger()
			if err != nil || parsed < 0 || parsed > 23 {
				return otto.FalseValue()
			}
			h2 = parsed
		}
	}

	now := time.Now()
	if lastArgIsGMT(call) {
		now = now.UTC()
	}

	hour := int64(now.Hour())
	var result bool
	if h1 <= h2 {
		result = hour >= h1 && hour <= h2
	} else {
		result = hour >= h1 || hour <= h2
	}
	v, _ := call.Otto.ToValue(result)
	return v
}

func lastArgIsGMT(call otto.FunctionCall) bool {
	argc := len(call.ArgumentList)
	if argc == 0 {
		return false
	}
	last, _ := call.Argument(argc - 1).ToString()
	return strings.EqualFold(last, "GMT")
}
