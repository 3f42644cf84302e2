package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/renderd/pkg/job"
)

func TestPatternMatcher(t *testing.T) {
	pm, err := NewPatternMatcher(
		[]string{"example.com", "*.example.com", "**.cdn.net"},
		[]string{"admin.example.com"},
	)
	require.NoError(t, err)

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"a.b.example.com", false},
		{"img.eu.cdn.net", true},
		{"admin.example.com", false},
		{"evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, pm.IsAllowed(tt.host))
		})
	}
}

func TestPatternMatcher_InvalidPattern(t *testing.T) {
	_, err := NewPatternMatcher([]string{"[unclosed"}, nil)
	assert.ErrorContains(t, err, "invalid allowed pattern")

	_, err = NewPatternMatcher(nil, []string{"[unclosed"})
	assert.ErrorContains(t, err, "invalid denied pattern")
}

func TestPolicy_Check(t *testing.T) {
	policy, err := NewPolicy(nil, []string{"*.internal"}, false)
	require.NoError(t, err)

	tests := []struct {
		name        string
		target      job.Target
		expectError string
	}{
		{name: "public url", target: job.Target{URL: "https://example.com/page"}},
		{name: "inline html", target: job.Target{HTML: "<p>CV</p>"}},
		{name: "denied host", target: job.Target{URL: "http://db.internal/"}, expectError: "not allowed"},
		{name: "loopback ip", target: job.Target{URL: "http://127.0.0.1:8080/"}, expectError: "private or loopback"},
		{name: "localhost", target: job.Target{URL: "http://localhost/"}, expectError: "private or loopback"},
		{name: "private ip", target: job.Target{URL: "http://10.1.2.3/"}, expectError: "private or loopback"},
		{name: "invalid target", target: job.Target{}, expectError: "either url or html"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(tt.target)
			if tt.expectError == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
			assert.True(t, job.IsKind(err, job.KindInvalidTarget))
		})
	}
}

func TestPolicy_AllowPrivateIP(t *testing.T) {
	policy, err := NewPolicy(nil, nil, true)
	require.NoError(t, err)
	assert.NoError(t, policy.Check(job.Target{URL: "http://localhost:3000/"}))
}
