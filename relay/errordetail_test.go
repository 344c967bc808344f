package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"detail":{"message":"usage limit reached","code":"rate_limited"}}`, "usage limit reached"},
		{`{"detail":{"code":"rate_limited"}}`, "rate_limited"},
		{`{"error_description":"bad grant","error":"invalid_grant"}`, "bad grant"},
		{`{"error":{"message":"model not found"}}`, "model not found"},
		{`{"error":"invalid_request"}`, "invalid_request"},
		{`{"detail":"Unauthorized"}`, `{"detail":"Unauthorized"}`},
		{"upstream timeout", "upstream timeout"},
		{"", "unknown_error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorDetail([]byte(tt.raw)), tt.raw)
	}
}
