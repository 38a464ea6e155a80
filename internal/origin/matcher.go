package origin

import (
	"net"
	"net/url"
	"strings"
)

// Matcher decides whether hosts and URLs belong to the target application
type Matcher struct {
	hosts []string
}

// NewMatcher creates a Matcher. Entries are exact hosts ("wa.me") or
// wildcards ("*.whatsapp.com", which also matches "whatsapp.com").
func NewMatcher(hosts []string) *Matcher {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Matcher{hosts: normalized}
}

// Hosts returns the configured host patterns
func (m *Matcher) Hosts() []string {
	return append([]string(nil), m.hosts...)
}

// HostMatches checks if host (with or without port) matches a configured host
func (m *Matcher) HostMatches(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(stripPort(host), "."))
	if host == "" {
		return false
	}

	for _, configHost := range m.hosts {
		if strings.HasPrefix(configHost, "*.") {
			suffix := configHost[1:]
			if strings.HasSuffix(host, suffix) || host == configHost[2:] {
				return true
			}
		} else if host == configHost {
			return true
		}
	}
	return false
}

// URLMatches reports whether rawURL points at a target host. A blob: URL
// matches when its embedded origin does.
func (m *Matcher) URLMatches(rawURL string) bool {
	host := URLHost(rawURL)
	return host != "" && m.HostMatches(host)
}

// URLHost returns the hostname of rawURL, looking inside blob: URLs
func URLHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if rest, ok := cutSchemePrefix(rawURL, "blob:"); ok {
		rawURL = rest
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsBlobOrData reports whether rawURL uses the blob: or data: scheme
func IsBlobOrData(rawURL string) bool {
	_, blob := cutSchemePrefix(rawURL, "blob:")
	_, data := cutSchemePrefix(rawURL, "data:")
	return blob || data
}

// Resolve resolves href against base, returning href unchanged on failure
func Resolve(base, href string) string {
	if href == "" || IsBlobOrData(href) {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}

func cutSchemePrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
