package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeField_SensitiveKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		expected string
	}{
		{
			name:     "admin token",
			key:      "admin_token",
			value:    "wardline-ops-token-2026",
			expected: "ward***************2026",
		},
		{
			name:     "TOKEN uppercase",
			key:      "TOKEN",
			value:    "SecretToken12",
			expected: "Secr*****en12",
		},
		{
			name:     "password field",
			key:      "password",
			value:    "mysecretpassword123",
			expected: "myse***********d123",
		},
		{
			name:     "dsn hides credentials",
			key:      "dsn",
			value:    "user:pass@tcp(db:3306)/wardline",
			expected: "user***********************line",
		},
		{
			name:     "short secret",
			key:      "secret",
			value:    "abc",
			expected: "a*c",
		},
		{
			name:     "two char secret",
			key:      "secret",
			value:    "ab",
			expected: "**",
		},
		{
			name:     "empty value untouched",
			key:      "token",
			value:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeField(tt.key, tt.value))
		})
	}
}

func TestSanitizeField_NonSensitiveKeys(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"service_name", "model-provider"},
		{"metric", "latency_p95"},
		{"period", "2026-08"},
		{"request_id", "a1b2c3d4e5f6"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.value, SanitizeField(tt.key, tt.value), tt.key)
	}
}
