// Package envconfig reads DISTILL_* environment variables. Invalid values fall back to
// their defaults with a warning.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Mode names accepted by DISTILL_MODE.
const (
	ModeNone    = "none"
	ModeSoft    = "soft"
	ModeFeature = "feature"
)

var (
	// Alpha weights the task loss in soft-label mode. Configured via DISTILL_ALPHA.
	Alpha = Float("DISTILL_ALPHA", 0.5)
	// Temperature softens both distributions in soft-label mode. Configured via DISTILL_TEMPERATURE.
	Temperature = Float("DISTILL_TEMPERATURE", 2.0)
	// Seed initializes model weights and synthetic data. Configured via DISTILL_SEED.
	Seed = Int64("DISTILL_SEED", 1)
)

// Mode returns the distillation strategy. Configured via DISTILL_MODE.
// Default: soft
func Mode() string {
	s := strings.ToLower(Var("DISTILL_MODE"))
	switch s {
	case "":
		return ModeSoft
	case ModeNone, ModeSoft, ModeFeature:
		return s
	}
	slog.Warn("invalid DISTILL_MODE, using default", "value", s, "default", ModeSoft)
	return ModeSoft
}

// LogLevel returns the log level. Configured via DISTILL_DEBUG.
// Values: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DISTILL_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Float returns a reader for a float environment variable with a default.
func Float(key string, defaultValue float64) func() float64 {
	return func() float64 {
		if s := Var(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return f
			}
		}
		return defaultValue
	}
}

// Int64 returns a reader for an integer environment variable with a default.
func Int64(key string, defaultValue int64) func() int64 {
	return func() int64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable and its current value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DISTILL_ALPHA":       {"DISTILL_ALPHA", Alpha(), "Weight of the task loss in soft-label mode (default 0.5)"},
		"DISTILL_TEMPERATURE": {"DISTILL_TEMPERATURE", Temperature(), "Softmax temperature in soft-label mode (default 2.0)"},
		"DISTILL_MODE":        {"DISTILL_MODE", Mode(), "Distillation strategy: none, soft or feature (default soft)"},
		"DISTILL_SEED":        {"DISTILL_SEED", Seed(), "Seed for weights and synthetic data (default 1)"},
		"DISTILL_DEBUG":       {"DISTILL_DEBUG", LogLevel(), "Show additional debug information (e.g. DISTILL_DEBUG=1)"},
	}
}

// Var returns an environment variable stripped of surrounding whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
