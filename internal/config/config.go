// Package config provides environment-variable configuration loading for
// the NXS Fabric services, mirroring the teacher's infrastructure/config
// loader helpers plus github.com/joho/godotenv for local .env files
// (r3e-network-service_layer/internal/config/config.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file if present; missing files are not an error
// (mirrors the teacher's tolerant godotenv.Load() usage).
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Env returns the environment variable at key, or def if unset/blank.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer environment variable at key, or def on
// absence/parse failure.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvFloat returns the float environment variable at key, or def.
func EnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// EnvDuration returns key parsed as a Go duration string (e.g. "30s"), or
// def.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvBool returns key parsed as a bool, or def.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
