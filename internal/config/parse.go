// SPDX-License-Identifier: MIT

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labrig/labrig/internal/log"
)

// EnvPrefix is prepended to upper-cased keys for environment overrides.
const EnvPrefix = "LABRIG_"

// Values is a parsed key=value configuration file.
type Values map[string]string

// ParseFile reads a key=value file. Blank lines and lines starting with
// '#' or ';' are ignored. Later keys win over earlier ones.
func ParseFile(path string) (Values, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	v := Values{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("parse config %s:%d: missing '=' in %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("parse config %s:%d: empty key", path, lineNo)
		}
		v[key] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// Has reports whether key appeared in the parsed file.
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// String returns the value for key, or def when absent.
func (v Values) String(key, def string) string {
	if s, ok := v[key]; ok {
		return s
	}
	return def
}

// Bool returns the boolean for key. Accepts true/false, yes/no, on/off
// and 1/0 in any case. Malformed values fall back to def with a warning.
func (v Values) Bool(key string, def bool) bool {
	s, ok := v[key]
	if !ok {
		return def
	}
	b, err := parseBool(s)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).
			Msg("invalid boolean, using default")
		return def
	}
	return b
}

// Int returns the integer for key, or def on absence or parse failure.
func (v Values) Int(key string, def int) int {
	s, ok := v[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).
			Msg("invalid integer, using default")
		return def
	}
	return n
}

// Float returns the float for key, or def on absence or parse failure.
func (v Values) Float(key string, def float64) float64 {
	s, ok := v[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).
			Msg("invalid float, using default")
		return def
	}
	return f
}

// Seconds returns the duration for key expressed as a decimal number of
// seconds ("2.5" means 2500ms), or def on absence or parse failure.
func (v Values) Seconds(key string, def time.Duration) time.Duration {
	s, ok := v[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).
			Msg("invalid duration, using default")
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// resolver applies ENV > file > default precedence and logs the source of
// each value it resolves. Values for keys containing "secret", "token" or
// "password" are masked in logs.
type resolver struct {
	file Values
}

func (r resolver) lookup(key string) (value, source string, ok bool) {
	envKey := EnvPrefix + strings.ToUpper(key)
	if s, found := os.LookupEnv(envKey); found {
		return s, "env", true
	}
	if s, found := r.file[key]; found {
		return s, "file", true
	}
	return "", "", false
}

func (r resolver) str(key, def string) string {
	s, source, ok := r.lookup(key)
	if !ok {
		return def
	}
	logResolved(key, s, source)
	return s
}

func (r resolver) boolean(key string, def bool) bool {
	s, source, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := parseBool(s)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).Str("source", source).
			Msg("invalid boolean, using default")
		return def
	}
	logResolved(key, s, source)
	return b
}

func (r resolver) integer(key string, def int) int {
	s, source, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).Str("source", source).
			Msg("invalid integer, using default")
		return def
	}
	logResolved(key, s, source)
	return n
}

func (r resolver) float(key string, def float64) float64 {
	s, source, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).Str("source", source).
			Msg("invalid float, using default")
		return def
	}
	logResolved(key, s, source)
	return f
}

func (r resolver) seconds(key string, def time.Duration) time.Duration {
	s, source, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).Str("value", s).Str("source", source).
			Msg("invalid duration, using default")
		return def
	}
	logResolved(key, s, source)
	return time.Duration(f * float64(time.Second))
}

func logResolved(key, value, source string) {
	display := value
	if isSensitiveKey(key) {
		display = "***"
	}
	logger := log.WithComponent("config")
	logger.Debug().
		Str("key", key).Str("value", display).Str("source", source).
		Msg("config value resolved")
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "password")
}
