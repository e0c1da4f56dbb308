package envdetect

import (
	"fmt"
	"net/netip"
	"strings"
)

// ipRange is one parsed entry: either a CIDR prefix or an inclusive
// address interval.
type ipRange struct {
	prefix   netip.Prefix
	isPrefix bool
	lo, hi   netip.Addr
}

func (r ipRange) contains(addr netip.Addr) bool {
	if r.isPrefix {
		return r.prefix.Contains(addr)
	}
	if addr.Is4() != r.lo.Is4() {
		return false
	}
	return r.lo.Compare(addr) <= 0 && addr.Compare(r.hi) <= 0
}

// IPRangeClassifier maps a local IP address onto an environment label.
type IPRangeClassifier struct {
	order  []string
	ranges map[string][]ipRange
}

// NewIPRangeClassifier parses the per-label range literals. Entries may be
// CIDR blocks ("10.0.0.0/8"), inclusive intervals ("192.168.1.1-192.168.1.255")
// or single addresses. Malformed literals are construction errors.
func NewIPRangeClassifier(ranges map[string][]string, order []string) (*IPRangeClassifier, error) {
	c := &IPRangeClassifier{
		order:  order,
		ranges: make(map[string][]ipRange, len(ranges)),
	}
	for label, entries := range ranges {
		parsed := make([]ipRange, 0, len(entries))
		for _, entry := range entries {
			r, err := parseRange(entry)
			if err != nil {
				return nil, fmt.Errorf("ip range %q for %s: %w", entry, label, err)
			}
			parsed = append(parsed, r)
		}
		c.ranges[label] = parsed
	}
	return c, nil
}

func parseRange(entry string) (ipRange, error) {
	entry = strings.TrimSpace(entry)
	switch {
	case entry == "":
		return ipRange{}, fmt.Errorf("empty range")
	case strings.Contains(entry, "/"):
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return ipRange{}, err
		}
		return ipRange{prefix: prefix.Masked(), isPrefix: true}, nil
	case strings.Contains(entry, "-"):
		loStr, hiStr, _ := strings.Cut(entry, "-")
		lo, err := netip.ParseAddr(strings.TrimSpace(loStr))
		if err != nil {
			return ipRange{}, fmt.Errorf("range start: %w", err)
		}
		hi, err := netip.ParseAddr(strings.TrimSpace(hiStr))
		if err != nil {
			return ipRange{}, fmt.Errorf("range end: %w", err)
		}
		lo, hi = lo.Unmap(), hi.Unmap()
		if lo.Is4() != hi.Is4() {
			return ipRange{}, fmt.Errorf("endpoints mix address families")
		}
		if lo.Compare(hi) > 0 {
			return ipRange{}, fmt.Errorf("start is after end")
		}
		return ipRange{lo: lo, hi: hi}, nil
	default:
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return ipRange{}, err
		}
		addr = addr.Unmap()
		return ipRange{lo: addr, hi: addr}, nil
	}
}

// Classify returns the first label owning a range that contains addr.
func (c *IPRangeClassifier) Classify(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	for _, label := range c.order {
		for _, r := range c.ranges[label] {
			if r.contains(addr) {
				return label, true
			}
		}
	}
	return "", false
}

// Empty reports whether no ranges are configured at all.
func (c *IPRangeClassifier) Empty() bool {
	for _, rs := range c.ranges {
		if len(rs) > 0 {
			return false
		}
	}
	return true
}
