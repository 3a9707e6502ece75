package edge

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Scanner flags requests whose path or query carries common probe payloads.
// A hit blocks the source address, so patterns err on the side of precision
// over recall.
type Scanner struct {
	patterns []scanPattern
}

type scanPattern struct {
	name string
	re   *regexp.Regexp
}

// NewScanner compiles the pattern set once at startup.
func NewScanner() *Scanner {
	return &Scanner{patterns: []scanPattern{
		{"xss", regexp.MustCompile(`(?i)<script|javascript:|onerror\s*=|onload\s*=`)},
		{"sql_injection", regexp.MustCompile(`(?i)union[\s+]+select|;\s*drop\s+table|'\s*or\s+'?1'?\s*=\s*'?1|sleep\(\d`)},
		{"path_traversal", regexp.MustCompile(`\.\./|\.\.%2[fF]|%2[eE]%2[eE]/`)},
		{"command_injection", regexp.MustCompile(`(?i);\s*(cat|ls|id|wget|curl)\s|\|\s*(cat|ls|id)\s|\$\(.*\)|` + "`" + `.*` + "`")},
	}}
}

// Scan inspects the request target and header values and returns the name of
// the first pattern that matches, or "" when the request looks clean. The
// target is checked both as sent and percent-decoded, so an encoded payload
// like %3Cscript%3E cannot slip past the literal patterns.
func (s *Scanner) Scan(r *http.Request) string {
	target := r.URL.Path
	if raw := r.URL.RawQuery; raw != "" {
		target += "?" + raw
	}
	if name := s.match(target); name != "" {
		return name
	}
	if decoded, err := url.QueryUnescape(target); err == nil && decoded != target {
		if name := s.match(decoded); name != "" {
			return name
		}
	}
	for _, values := range r.Header {
		for _, v := range values {
			if name := s.match(v); name != "" {
				return name
			}
		}
	}
	return ""
}

// ScanBody applies the pattern set to a captured request body.
func (s *Scanner) ScanBody(body []byte) string {
	return s.match(string(body))
}

func (s *Scanner) match(target string) string {
	for _, p := range s.patterns {
		if p.re.MatchString(target) {
			return p.name
		}
	}
	return ""
}

// suspiciousAgents are tool signatures rejected outright at the edge.
var suspiciousAgents = []string{
	"sqlmap", "nikto", "nessus", "openvas", "burpsuite", "w3af", "havij",
}

// SuspiciousUserAgent reports whether the User-Agent carries a known probe
// tool signature or inline payload markers.
func SuspiciousUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, sig := range suspiciousAgents {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	if strings.Contains(lower, "<script") {
		return true
	}
	if strings.Contains(lower, "union") && strings.Contains(lower, "select") {
		return true
	}
	return false
}
