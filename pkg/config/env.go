package config

import (
	"os"
	"strconv"

	"github.com/go-logr/logr"
)

// getEnvString returns the value of key, or fallback if unset.
func getEnvString(key, fallback string, logger logr.Logger) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	logger.V(1).Info("environment variable not set, using default", "key", key, "default", fallback)
	return fallback
}

// getEnvInt parses key as an int, falling back (with a warning) on absence
// or parse failure.
func getEnvInt(key string, fallback int, logger logr.Logger) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		logger.Error(err, "invalid int environment variable, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return parsed
}

// getEnvFloat parses key as a float64, falling back (with a warning) on
// absence or parse failure.
func getEnvFloat(key string, fallback float64, logger logr.Logger) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Error(err, "invalid float environment variable, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return parsed
}

// getEnvBool parses key as a bool, falling back (with a warning) on absence
// or parse failure.
func getEnvBool(key string, fallback bool, logger logr.Logger) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		logger.Error(err, "invalid bool environment variable, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return parsed
}
