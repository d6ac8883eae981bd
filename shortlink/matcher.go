// Package shortlink classifies URLs as belonging to the tracked shortlink
// domain.
package shortlink

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// QueryParam is the referrer query parameter that may wrap the original
// click URL.
const QueryParam = "shortlink"

// Matcher recognises URLs on a configured domain or any of its subdomains.
// Malformed input never produces an error, it simply does not match.
type Matcher struct {
	domain string
	log    *zap.Logger
}

func NewMatcher(domain string, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{domain: domain, log: log}
}

func (m *Matcher) Domain() string { return m.domain }

// IsShortLink reports whether the host of rawURL equals the configured domain
// or ends with "." + domain.
func (m *Matcher) IsShortLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		m.log.Debug("shortlink: unparsable url", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	host := u.Hostname()
	if host == "" || m.domain == "" {
		return false
	}
	match := host == m.domain || strings.HasSuffix(host, "."+m.domain)
	m.log.Debug("shortlink: classified",
		zap.String("host", host), zap.String("domain", m.domain), zap.Bool("match", match))
	return match
}

// ExtractShortLink pulls the shortlink out of an install referrer. The
// "shortlink" query parameter wins when it is itself a shortlink; otherwise
// the referrer is returned when it is one.
func (m *Matcher) ExtractShortLink(referrer string) (string, bool) {
	if u, err := url.Parse(referrer); err == nil {
		if param := u.Query().Get(QueryParam); param != "" && m.IsShortLink(param) {
			return param, true
		}
	}
	if m.IsShortLink(referrer) {
		return referrer, true
	}
	return "", false
}
