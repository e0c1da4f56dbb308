package envdetect

import (
	"fmt"
	"regexp"
	"strings"
)

// HostnameClassifier maps a machine hostname onto an environment label.
// Substring patterns for every label are tried before any regex so that a
// cheap literal match always beats an expression, whatever label it belongs
// to. Within a pass, labels are tried in the order given at construction.
type HostnameClassifier struct {
	order    []string
	patterns map[string][]string
	regexes  map[string][]*regexp.Regexp
}

// NewHostnameClassifier compiles the per-label substring patterns and regular
// expressions. Regexes match case-insensitively. An invalid expression is a
// construction error: bad rules must surface at load, not at classification.
func NewHostnameClassifier(patterns, regexes map[string][]string, order []string) (*HostnameClassifier, error) {
	c := &HostnameClassifier{
		order:    order,
		patterns: make(map[string][]string, len(patterns)),
		regexes:  make(map[string][]*regexp.Regexp, len(regexes)),
	}
	for label, subs := range patterns {
		lowered := make([]string, 0, len(subs))
		for _, s := range subs {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				lowered = append(lowered, s)
			}
		}
		c.patterns[label] = lowered
	}
	for label, exprs := range regexes {
		compiled := make([]*regexp.Regexp, 0, len(exprs))
		for _, expr := range exprs {
			re, err := regexp.Compile("(?i:" + expr + ")")
			if err != nil {
				return nil, fmt.Errorf("hostname regex %q for %s: %w", expr, label, err)
			}
			compiled = append(compiled, re)
		}
		c.regexes[label] = compiled
	}
	return c, nil
}

// Classify returns the first label whose rules match the hostname, along
// with the kind of rule that matched. The hostname is lowercased and
// stripped of any trailing dot before matching.
func (c *HostnameClassifier) Classify(hostname string) (string, Method, bool) {
	hostname = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	if hostname == "" {
		return "", "", false
	}

	for _, label := range c.order {
		for _, sub := range c.patterns[label] {
			if strings.Contains(hostname, sub) {
				return label, MethodHostnamePattern, true
			}
		}
	}
	for _, label := range c.order {
		for _, re := range c.regexes[label] {
			if re.MatchString(hostname) {
				return label, MethodHostnameRegex, true
			}
		}
	}
	return "", "", false
}
