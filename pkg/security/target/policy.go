// Package target decides which render targets a job may navigate to.
// It keeps browser sessions from being pointed at hosts the operator has
// not allowed, including loopback and private network addresses.
package target

import (
	"fmt"
	"net"
	"strings"

	"github.com/gobwas/glob"

	"github.com/entrhq/renderd/pkg/job"
)

// Policy validates job targets against host allow/deny patterns.
// Inline HTML targets are always allowed; the browser still follows any
// subresource URLs they reference.
type Policy struct {
	matcher        *PatternMatcher
	allowPrivateIP bool
}

// NewPolicy compiles the host patterns. Patterns use '.' as the separator,
// so "*.example.com" matches one label and "**.example.com" any depth.
func NewPolicy(allowed, denied []string, allowPrivateIP bool) (*Policy, error) {
	matcher, err := NewPatternMatcher(allowed, denied)
	if err != nil {
		return nil, fmt.Errorf("failed to create host matcher: %w", err)
	}
	return &Policy{matcher: matcher, allowPrivateIP: allowPrivateIP}, nil
}

// Check validates the target and applies the host rules. Every rejection is
// a job.KindInvalidTarget error.
func (p *Policy) Check(t job.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.URL == "" {
		return nil
	}

	u, err := t.ParsedURL()
	if err != nil {
		return err
	}
	host := strings.ToLower(u.Hostname())

	if !p.allowPrivateIP && isPrivateHost(host) {
		return job.Failf(job.KindInvalidTarget, "host %q is a private or loopback address", host)
	}
	if !p.matcher.IsAllowed(host) {
		return job.Failf(job.KindInvalidTarget, "host %q is not allowed", host)
	}
	return nil
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// PatternMatcher handles glob matching for host access control
type PatternMatcher struct {
	allowedPatterns []glob.Glob
	deniedPatterns  []glob.Glob
}

// NewPatternMatcher creates a new pattern matcher
func NewPatternMatcher(allowed, denied []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{}

	for _, pattern := range allowed {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		pm.allowedPatterns = append(pm.allowedPatterns, g)
	}

	for _, pattern := range denied {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern '%s': %w", pattern, err)
		}
		pm.deniedPatterns = append(pm.deniedPatterns, g)
	}

	return pm, nil
}

// IsAllowed returns true if the host is allowed by the pattern rules
func (pm *PatternMatcher) IsAllowed(host string) bool {
	// Denied patterns take precedence
	for _, pattern := range pm.deniedPatterns {
		if pattern.Match(host) {
			return false
		}
	}

	// No allowed patterns means allow everything not denied
	if len(pm.allowedPatterns) == 0 {
		return true
	}

	for _, pattern := range pm.allowedPatterns {
		if pattern.Match(host) {
			return true
		}
	}
	return false
}
