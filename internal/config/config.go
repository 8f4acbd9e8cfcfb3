// Package config loads the executor's configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is the full set of environment-driven settings for the executor
// process, its HTTP/websocket surface, and the scheduler loop.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseDSN string

	// AdvanceCASRetries bounds how many times one Advance call retries a
	// transient CAS miss locally before surfacing the error.
	AdvanceCASRetries int

	// JoinDefaultMaxChildren is loaded from the environment but nothing
	// reads it: a spawner node without max_children is capped at
	// domain.DefaultMaxChildren.
	JoinDefaultMaxChildren int

	// SchedulerJWTSecret verifies the REST/websocket surface's bearer
	// tokens.
	SchedulerJWTSecret string

	// APIKeys is the static set of keys accepted on every API route except
	// the /health and /ready probes.
	APIKeys []string
}

// Load reads Config from the process environment, applying the same
// defaults the executor ships with out of the box.
func Load() *Config {
	return &Config{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:            getEnv("DATABASE_DSN", ""),
		AdvanceCASRetries:      getEnvInt("ADVANCE_CAS_RETRIES", 3),
		JoinDefaultMaxChildren: getEnvInt("JOIN_DEFAULT_MAX_CHILDREN", 12),
		SchedulerJWTSecret:     getEnv("SCHEDULER_JWT_SECRET", ""),
		APIKeys:                getEnvList("SCHEDULER_API_KEYS"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetPortInt returns Port parsed as an integer, 0 if it does not parse.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
