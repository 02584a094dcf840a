package main

import (
	"context"
	"fmt"
	"io"

	"onecell/internal/channel"
	"onecell/internal/config"
	"onecell/internal/domain"
	"onecell/internal/engine"
	"onecell/internal/registry"
	"onecell/internal/store"
)

// app holds the wired runtime shared by every command.
type app struct {
	cfg       *config.Config
	store     domain.CredentialStore
	registry  *registry.Registry
	engine    *engine.Engine
	logCloser io.Closer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logCloser, err := setupLogger(cfg.General)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Adapters: buildAdapters(cfg),
		Store:    st,
		Logger:   logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Registry:     reg,
		PollInterval: cfg.Poll.Interval(),
		PollLimit:    cfg.Poll.Limit,
		PullTimeout:  cfg.Aggregation.PullTimeout(),
		SendTimeout:  cfg.Adapters.SendTimeout(),
		MaxMessages:  cfg.Aggregation.MaxMessages,
		SeenCapacity: cfg.Aggregation.SeenCapacity,
		Logger:       logger,

		SendRatePerMinute: cfg.Adapters.SendRatePerMinute,
		SendBurst:         cfg.Adapters.SendBurst,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, registry: reg, engine: eng, logCloser: logCloser}, nil
}

func buildAdapters(cfg *config.Config) []domain.Adapter {
	client := channel.SharedHTTPClient(cfg.Adapters.RequestTimeout())
	page := channel.PageConfig{GraphAPIBase: cfg.Adapters.GraphAPIBase, Client: client, Logger: logger}
	return []domain.Adapter{
		channel.NewWhatsApp(channel.WhatsAppConfig{GraphAPIBase: cfg.Adapters.GraphAPIBase, Client: client, Logger: logger}),
		channel.NewTelegram(channel.TelegramConfig{
			APIEndpoint: cfg.Adapters.TelegramAPIEndpoint,
			SecretToken: cfg.Webhook.Telegram.SecretToken,
			Client:      client,
			Logger:      logger,
		}),
		channel.NewInstagram(page),
		channel.NewMessenger(page),
	}
}

// restore replays persisted credentials and, for platforms with nothing
// persisted, tries the bootstrap credentials from the config file.
func (a *app) restore(ctx context.Context) []domain.PlatformID {
	restored := a.registry.LoadSavedAuthentications(ctx)
	for _, p := range a.registry.Platforms() {
		if a.registry.IsAuthenticated(p) {
			continue
		}
		cred := a.cfg.Credentials.Credential(p)
		if cred.IsZero() {
			continue
		}
		if _, stored, err := a.store.Get(ctx, p); err != nil || stored {
			continue
		}
		if err := a.registry.AuthenticatePlatform(ctx, p, cred); err != nil {
			logger.Warn("bootstrap credential rejected", "platform", p, "err", err)
			continue
		}
		restored = append(restored, p)
	}
	return restored
}

func (a *app) Close() error {
	err := a.store.Close()
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return err
}

func parsePlatform(s string) (domain.PlatformID, error) {
	p, err := domain.ParsePlatform(s)
	if err != nil {
		return "", fmt.Errorf("%w (expected one of %v)", err, domain.AllPlatforms())
	}
	return p, nil
}
