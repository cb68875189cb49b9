// Package envconfig reads runtime configuration from MOE_* environment
// variables.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing
// whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

func Int(k string, defaultValue int) func() int {
	return func() int {
		if s := Var(k); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
			slog.Warn("invalid environment variable, using default", "key", k, "value", s, "default", defaultValue)
		}
		return defaultValue
	}
}

var (
	// Debug enables debug logging. Set via MOE_DEBUG in the environment.
	Debug = Bool("MOE_DEBUG")
	// Trace enables trace logging. Set via MOE_TRACE in the environment.
	Trace = Bool("MOE_TRACE")

	// Threads bounds concurrent per-expert computation. Set via
	// MOE_NUM_THREADS; zero or unset picks a default from the machine's
	// parallelism.
	Threads = Int("MOE_NUM_THREADS", 0)
)

// LogLevel returns the slog level selected by the environment.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if Debug() {
		level = slog.LevelDebug
	}
	if Trace() {
		level = slog.Level(-8)
	}
	return level
}

// EffectiveThreads resolves Threads against the running machine.
func EffectiveThreads() int {
	if n := Threads(); n > 0 {
		return n
	}
	return min(16, runtime.GOMAXPROCS(0))
}
