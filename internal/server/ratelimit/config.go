package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Path pattern; "*" matches one segment, a trailing "/" matches any suffix
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window; 0 means unlimited
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from environment variables.
func LoadConfig() *Config {
	enabled := getEnvBool("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{
			Enabled: false,
		}
	}

	return &Config{
		Enabled:         enabled,
		DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 1000),
		DefaultWindow:   getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseIPList(os.Getenv("RATE_LIMIT_WHITELIST")),
		Blacklist:       parseIPList(os.Getenv("RATE_LIMIT_BLACKLIST")),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Health checks and the worker protocol (API-key gated) are unlimited.
		{Path: "/api/v1/health", Method: "GET", Limit: 0},
		{Path: "/api/v1/worker/", Method: "POST", Limit: 0},
		{Path: "/api/v1/worker/", Method: "GET", Limit: 0},
		{Path: "/api/v1/worker/", Method: "PUT", Limit: 0},

		// Uploads start GPU work.
		{Path: "/api/v1/jobs", Method: "POST", Limit: 20, Window: time.Hour, Burst: 3},

		// Credential endpoints.
		{Path: "/api/v1/auth/register", Method: "POST", Limit: 10, Window: time.Hour, Burst: 3},
		{Path: "/api/v1/auth/login", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},
		{Path: "/api/v1/auth/password", Method: "PUT", Limit: 10, Window: time.Minute, Burst: 3},

		// Social writes.
		{Path: "/api/v1/posts/*/like", Method: "POST", Limit: 120, Window: time.Minute, Burst: 20},
		{Path: "/api/v1/posts/*/like", Method: "DELETE", Limit: 120, Window: time.Minute, Burst: 20},
		{Path: "/api/v1/posts/*/comments", Method: "POST", Limit: 30, Window: time.Minute, Burst: 5},
		{Path: "/api/v1/comments/", Method: "DELETE", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/api/v1/posts/*/view", Method: "POST", Limit: 300, Window: time.Minute, Burst: 30},
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a set.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
