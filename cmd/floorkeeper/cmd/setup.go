package cmd

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/actions"
	"github.com/floorkeeper/floorkeeper/internal/core/config"
	"github.com/floorkeeper/floorkeeper/internal/core/db"
	"github.com/floorkeeper/floorkeeper/internal/core/logging"
	"github.com/floorkeeper/floorkeeper/internal/engine"
	"github.com/floorkeeper/floorkeeper/internal/notify"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/store"
)

// runtime bundles everything a command needs after bootstrap.
type runtime struct {
	cfg    *config.EngineConfig
	logger *zap.Logger
	conn   *sqlx.DB
	store  *store.SQLStore
	orch   *engine.Orchestrator
}

func (rt *runtime) close() {
	rt.logger.Sync()
	rt.conn.Close()
}

// loadConfigWithFlags loads configuration and applies persistent flag
// overrides. Flags beat environment and file values.
func loadConfigWithFlags() (*config.EngineConfig, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

// bootstrap builds the full engine stack: logger, database, store,
// evaluator, dispatcher and orchestrator.
func bootstrap() (*runtime, error) {
	cfg, err := loadConfigWithFlags()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	st, err := store.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	evaluator := &rules.Evaluator{
		Counts:      st,
		Collections: config.StringSet(cfg.Collections),
	}

	senders := map[string]actions.Sender{
		"log": notify.NewLogSender(logger),
	}
	if cfg.SMTP.Enabled() {
		senders["email"] = notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}

	dispatcher := actions.NewDispatcher(actions.Deps{
		Alerts:       st,
		Fields:       st,
		Records:      st,
		Senders:      senders,
		RecordTypes:  config.StringSet(cfg.RecordTypes),
		CommandAllow: config.StringSet(cfg.Commands),
		Webhook:      actions.WebhookConfig{Timeout: cfg.ActionTimeout},
		Logger:       logger,
	})

	orch, err := engine.New(st, evaluator, dispatcher, logger, engine.Options{
		Workers:       cfg.Workers,
		PageSize:      cfg.PageSize,
		ActionTimeout: cfg.ActionTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, conn: conn, store: st, orch: orch}, nil
}
