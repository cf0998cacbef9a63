package walletapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8090"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultTokenIssuer      = "walletd"
	defaultRequestTimeout   = 5 * time.Second
	defaultWebhookCacheSize = 4096
)

// Config aggregates runtime settings for the wallet façade.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	TokenSigningKey  string
	TokenIssuer      string
	RequestTimeout   time.Duration
	WebhookCacheSize int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.TokenIssuer = defaultIfEmpty(cfg.TokenIssuer, defaultTokenIssuer)
	if cfg.WebhookCacheSize <= 0 {
		cfg.WebhookCacheSize = defaultWebhookCacheSize
	}
	if len(cfg.TokenSigningKey) == 0 {
		return fmt.Errorf("token signing key is required")
	}
	if strings.TrimSpace(cfg.TokenIssuer) == "" {
		return fmt.Errorf("token issuer is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
