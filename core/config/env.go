package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key, or def when it is unset or blank.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// GetEnvBool parses key as a boolean, falling back to def on absence or error.
func GetEnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(GetEnv(key, "")); err == nil {
		return b
	}
	return def
}

// GetEnvInt parses key as an integer, falling back to def.
func GetEnvInt(key string, def int) int {
	if n, err := strconv.Atoi(GetEnv(key, "")); err == nil {
		return n
	}
	return def
}

// GetEnvSeconds reads key as a (possibly fractional) number of seconds.
func GetEnvSeconds(key string, def time.Duration) time.Duration {
	if d, err := ParseSeconds(GetEnv(key, "")); err == nil {
		return d
	}
	return def
}

// ParseSeconds converts "1.5" into 1.5s. Go duration strings such as "90s"
// are accepted too.
func ParseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
