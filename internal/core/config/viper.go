package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// Precedence: environment > config file > defaults. The SMTP password is
// environment-only and rejected in config files.
func LoadConfig(configPath string) (*EngineConfig, error) {
	v := viper.New()

	v.SetDefault("engine.host", "0.0.0.0")
	v.SetDefault("engine.port", 8080)
	v.SetDefault("engine.request_timeout", "30s")
	v.SetDefault("engine.database_url", "sqlite://floorkeeper.db")
	v.SetDefault("engine.tick_interval", "1m")
	v.SetDefault("engine.tick_scope", "")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.page_size", 1000)
	v.SetDefault("engine.action_timeout", "30s")
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.log_format", "json")
	v.SetDefault("engine.collections", []string{})
	v.SetDefault("engine.record_types", []string{})
	v.SetDefault("engine.commands", []string{})
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.from", "")

	v.SetEnvPrefix("FK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &EngineConfig{
		Host:           v.GetString("engine.host"),
		Port:           v.GetInt("engine.port"),
		RequestTimeout: v.GetDuration("engine.request_timeout"),
		DatabaseURL:    v.GetString("engine.database_url"),
		TickInterval:   v.GetDuration("engine.tick_interval"),
		TickScope:      v.GetString("engine.tick_scope"),
		Workers:        v.GetInt("engine.workers"),
		PageSize:       v.GetInt("engine.page_size"),
		ActionTimeout:  v.GetDuration("engine.action_timeout"),
		LogLevel:       v.GetString("engine.log_level"),
		LogFormat:      v.GetString("engine.log_format"),
		Collections:    v.GetStringSlice("engine.collections"),
		RecordTypes:    v.GetStringSlice("engine.record_types"),
		Commands:       v.GetStringSlice("engine.commands"),
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			Username: v.GetString("smtp.username"),
			From:     v.GetString("smtp.from"),
			Password: SMTPPassword(),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks ranges and required values.
func validateConfig(cfg *EngineConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.RequestTimeout)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url cannot be empty")
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", cfg.TickInterval)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		return fmt.Errorf("page_size must be between 1 and 1000, got %d", cfg.PageSize)
	}
	if cfg.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive, got %v", cfg.ActionTimeout)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", cfg.LogFormat)
	}
	if cfg.SMTP.Enabled() && (cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535) {
		return fmt.Errorf("smtp port must be between 1 and 65535, got %d", cfg.SMTP.Port)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets. Only
// file-sourced keys count: with AutomaticEnv and the FK prefix, IsSet
// would also match FK_SMTP_PASSWORD, the one place the secret belongs.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("smtp.password") || v.InConfig("smtp_password") {
		return fmt.Errorf("SMTP password not allowed in config files (use FK_SMTP_PASSWORD environment variable)")
	}
	return nil
}
