package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"commsgate/internal/audit"
	"commsgate/internal/channel"
	"commsgate/internal/channel/salesmsg"
	"commsgate/internal/channel/telegram"
	"commsgate/internal/config"
	"commsgate/internal/database"
	"commsgate/internal/logging"
	"commsgate/internal/ratelimit"
	"commsgate/internal/retryqueue"
	"commsgate/internal/router"
	"commsgate/internal/safety"
)

// app is the wired service shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	plane   *safety.Plane
	limiter *ratelimit.Limiter
	router  *router.Router
	queue   *retryqueue.Queue
}

func openApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	policy, err := config.LoadPolicy(cfg.Policy.CommunicationFile, cfg.Policy.AllowlistsFile)
	if err != nil {
		db.Close()
		return nil, err
	}

	senders, err := buildSenders(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	auditLogger := audit.NewLogger(db, logger)
	plane := safety.New(db, auditLogger, logger).WithTimezone(cfg.Safety.Timezone)
	limiter := ratelimit.New(db, logger)
	r := router.New(policy, plane, limiter, channel.NewRegistry(senders...), auditLogger, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		plane:   plane,
		limiter: limiter,
		router:  r,
		queue:   retryqueue.New(db, r, plane, queueConfig(cfg.Queue), logger),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// buildSenders creates a sender for every provider that has credentials.
// A provider without credentials is left out of the registry, so the router
// reports it as an unknown channel and falls back.
func buildSenders(cfg *config.Config, logger *slog.Logger) ([]channel.Sender, error) {
	var senders []channel.Sender

	if cfg.Telegram.BotToken != "" {
		tg, err := telegram.New(telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			BaseURL:  cfg.Telegram.BaseURL,
			Timeout:  cfg.Telegram.Timeout(),
		}, &http.Client{})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		senders = append(senders, tg)
	} else {
		logger.Warn("telegram disabled: TELEGRAM_BOT_TOKEN not set")
	}

	if cfg.Salesmsg.APIKey != "" && cfg.Salesmsg.FromNumber != "" {
		sm, err := salesmsg.New(salesmsg.Config{
			APIKey:     cfg.Salesmsg.APIKey,
			BaseURL:    cfg.Salesmsg.BaseURL,
			FromNumber: cfg.Salesmsg.FromNumber,
			Timeout:    cfg.Salesmsg.Timeout(),
		}, &http.Client{})
		if err != nil {
			return nil, fmt.Errorf("salesmsg: %w", err)
		}
		senders = append(senders, sm)
	} else {
		logger.Warn("salesmsg disabled: SALESMSG_API_KEY or SALESMSG_FROM_NUMBER not set")
	}

	return senders, nil
}

func queueConfig(q config.QueueConfig) retryqueue.Config {
	return retryqueue.Config{
		MaxAttempts:           q.MaxAttempts,
		InitialDelay:          q.InitialDelay(),
		BackoffMultiplier:     q.BackoffMultiplier,
		EnableDeadLetterQueue: q.EnableDeadLetterQueue,
		BatchSize:             q.BatchSize,
		LeaseDuration:         q.LeaseDuration(),
		APICallTimeout:        q.APICallTimeout(),
	}
}
