// Package erp talks to the external cooperative ERP over its HTTP API and
// manages per-cooperative connection settings.
package erp

import "time"

// ConnectionConfig holds one cooperative's ERP credentials and endpoint.
type ConnectionConfig struct {
	CooperativeID   int64
	BaseURL         string
	APIKey          string
	APIKeyHeader    string
	RateLimitPerMin int64
	UpdatedAt       time.Time
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-Key"
	}
	if c.RateLimitPerMin <= 0 {
		c.RateLimitPerMin = 30
	}
	return c
}
