package config

import (
	"os"
	"strconv"
	"time"
)

// RateLimitConfig tunes the Redis token bucket guarding the
// reservation endpoint. Reservation is the only write path that can
// burn inventory holds, so the limiter is keyed per authenticated
// buyer by default rather than per IP.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string
	Prefix         string
	Debug          bool
}

// LoadRateLimitConfig reads the RESERVE_LIMIT_* environment variables
// and applies floors that keep the bucket functional: at least one
// token of capacity, at least one token per refill, and a TTL long
// enough to survive several refill intervals so idle buckets expire
// instead of lingering.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:        envBool("RESERVE_LIMIT_ENABLED", true),
		Capacity:       envInt("RESERVE_LIMIT_BURST", 5),
		RefillTokens:   envInt("RESERVE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("RESERVE_LIMIT_REFILL_INTERVAL", 2*time.Second),
		TTL:            envDur("RESERVE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    envStr("RESERVE_LIMIT_KEY_STRATEGY", "user"),
		Prefix:         envStr("RESERVE_LIMIT_PREFIX", "rl:reserve"),
		Debug:          envBool("RESERVE_LIMIT_DEBUG", false),
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if minTTL := 5 * cfg.RefillInterval; cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
	}
	return d
}
