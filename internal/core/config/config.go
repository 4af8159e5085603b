// Package config provides configuration management for the Floorkeeper
// engine.
package config

import (
	"os"
	"time"
)

// EngineConfig holds configuration for the rule engine and its HTTP API.
type EngineConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration

	DatabaseURL string

	// TickInterval is the scheduler period for the long-running engine.
	TickInterval time.Duration
	// TickScope restricts scheduled ticks to one scope. Empty means all.
	TickScope string

	Workers       int
	PageSize      int
	ActionTimeout time.Duration

	LogLevel  string
	LogFormat string

	// Whitelists. Everything outside them fails closed.
	Collections []string // aggregate_count and fan-out collections
	RecordTypes []string // create_record targets
	Commands    []string // run_command allow-list

	SMTP SMTPConfig
}

// SMTPConfig configures the email notification channel. The password is
// environment-only (FK_SMTP_PASSWORD) and never read from config files.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	From     string
	Password string
}

// Enabled reports whether an SMTP relay is configured.
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

// DefaultEngineConfig returns configuration with default values.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		RequestTimeout: 30 * time.Second,
		DatabaseURL:    "sqlite://floorkeeper.db",
		TickInterval:   time.Minute,
		Workers:        8,
		PageSize:       1000,
		ActionTimeout:  30 * time.Second,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// SMTPPassword reads the SMTP password from the environment.
func SMTPPassword() string {
	return os.Getenv("FK_SMTP_PASSWORD")
}

// StringSet converts a whitelist slice into the set form the evaluator and
// action handlers consume.
func StringSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}
