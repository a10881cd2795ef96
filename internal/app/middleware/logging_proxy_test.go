package middleware

import "testing"

func TestIsProxyRequest(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "openai chat completions", path: "/v1/chat/completions", expected: true},
		{name: "anthropic messages", path: "/v1/messages", expected: true},
		{name: "healthz endpoint", path: "/healthz", expected: false},
		{name: "readyz endpoint", path: "/readyz", expected: false},
		{name: "metrics endpoint", path: "/metrics", expected: false},
		{name: "root path", path: "/", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsProxyRequest(tt.path); result != tt.expected {
				t.Errorf("IsProxyRequest(%q) = %v, want %v", tt.path, result, tt.expected)
			}
		})
	}
}
