package crawler

import (
	"net/url"
	"strings"
)

// hostMatcher stores exact hosts and suffix wildcards.
type hostMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostMatcher(patterns []string) *hostMatcher {
	matcher := &hostMatcher{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		matcher.add(raw)
	}
	return matcher
}

func (m *hostMatcher) add(raw string) {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch {
	case value == "":
		return
	case strings.HasPrefix(value, "*."):
		m.addSuffix(strings.TrimPrefix(value, "*."))
	case strings.HasPrefix(value, "."):
		m.addSuffix(strings.TrimPrefix(value, "."))
	default:
		m.exact[value] = struct{}{}
	}
}

func (m *hostMatcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

func (m *hostMatcher) Matches(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := m.exact[host]; exact {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func containsLower(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
