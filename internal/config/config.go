// Package config reads process configuration from the environment. The
// Gemini API key is deliberately absent: it is resolved per request.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvAPIKey      = "GEMINI_API_KEY"
	EnvAPIKeyParam = "GEMINI_API_KEY_PARAM"
	EnvModel       = "GEMINI_MODEL"
	EnvBaseURL     = "GEMINI_BASE_URL"
	EnvTimeout     = "GEMINI_TIMEOUT_SECONDS"
	EnvDevAddr     = "DEV_ADDR"

	DefaultModel   = "gemini-2.5-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultTimeout = 30 * time.Second
	DefaultDevAddr = ":8080"
)

type Config struct {
	// APIKeyParam is the SSM parameter consulted when GEMINI_API_KEY is unset.
	// Empty disables the SSM lookup.
	APIKeyParam string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	DevAddr     string
}

// Load reads the configuration, falling back to defaults for unset or
// unparsable values.
func Load() Config {
	return Config{
		APIKeyParam: strings.TrimSpace(os.Getenv(EnvAPIKeyParam)),
		Model:       envString(EnvModel, DefaultModel),
		BaseURL:     envString(EnvBaseURL, DefaultBaseURL),
		Timeout:     time.Duration(envInt(EnvTimeout, int(DefaultTimeout/time.Second))) * time.Second,
		DevAddr:     envString(EnvDevAddr, DefaultDevAddr),
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
