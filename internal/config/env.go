package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/AttendAgent/internal/env"
)

// lookup returns the trimmed value of key after the .env file was applied.
// Blank values count as unset.
func lookup(key string) (string, bool) {
	_ = env.Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the environment override for key or fallback.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration reads key as a Go duration ("90s", "2m") or as whole seconds
// ("90"). Negative or unparsable values fall back.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// Bool reads key as a switch: strconv.ParseBool forms plus yes/no and on/off.
func Bool(key string, fallback bool) bool {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "yes", "on", "y":
		return true
	case "no", "off", "n":
		return false
	}
	if parsed, err := strconv.ParseBool(val); err == nil {
		return parsed
	}
	return fallback
}
