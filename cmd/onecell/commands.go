package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"onecell/internal/bus"
	"onecell/internal/channel"
	"onecell/internal/domain"
	"onecell/internal/metrics"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poll loop and webhook server",
		Long:  "Restores saved platform logins, starts polling and, when enabled, the webhook and metrics server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	restored := a.restore(ctx)
	logger.Info("platforms restored", "authenticated", restored)

	unsubscribe := a.engine.Subscribe(func(source string, msgs []domain.Message) {
		for _, m := range msgs {
			logger.Info("message", "source", source, "platform", m.Platform, "contact", m.ContactID, "id", m.ID, "type", m.Type)
		}
	})
	defer unsubscribe()
	a.engine.Bus().On(bus.EventStatusChanged, func(ev bus.Event) {
		logger.Debug("delivery status", "message", ev.Status.Message.String(), "from", ev.Status.From, "to", ev.Status.To)
	})

	if cfg.Poll.Enabled {
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("poll loop disabled")
	}

	serverErr := make(chan error, 1)
	if cfg.Webhook.Enabled || cfg.Metrics.Enabled {
		srvCfg := channel.WebhookServerConfig{
			Host:       cfg.Webhook.Host,
			Port:       cfg.Webhook.Port,
			PathPrefix: cfg.Webhook.PathPrefix,
			Secrets:    make(map[domain.PlatformID]channel.WebhookSecrets),
			Logger:     logger,
		}
		if cfg.Webhook.Enabled {
			srvCfg.Ingestor = a.engine
			for _, p := range domain.AllPlatforms() {
				s := cfg.Webhook.Secrets(p)
				srvCfg.Secrets[p] = channel.WebhookSecrets{VerifyToken: s.VerifyToken, AppSecret: s.AppSecret, SecretToken: s.SecretToken}
			}
		}
		if cfg.Metrics.Enabled {
			srvCfg.Metrics = metrics.Collector.Handler()
			srvCfg.MetricsPath = cfg.Metrics.Endpoint
		}
		srv := channel.NewWebhookServer(srvCfg)
		go func() { serverErr <- srv.Start(ctx) }()
	}

	logger.Info("onecell running. Press Ctrl+C to stop.", "version", version)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		logger.Error("server stopped", "err", runErr)
		stop()
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out", "err", err)
		return errors.Join(runErr, err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func connectCmd() *cobra.Command {
	var flags domain.Credential
	cmd := &cobra.Command{
		Use:   "connect <platform>",
		Short: "Authenticate a platform and save its credential",
		Long: `Authenticates against the platform API and persists the credential in the
credential store. Flags not given fall back to the credentials section of
the config file.

  whatsapp:  --access-token --phone-number-id
  telegram:  --bot-token
  instagram: --access-token --page-id
  messenger: --access-token --page-id`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePlatform(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			cred := mergeCredential(flags, a.cfg.Credentials.Credential(p))
			if cred.IsZero() {
				return fmt.Errorf("no credential for %s: pass flags or set credentials.%s in the config", p, p)
			}
			if err := a.registry.AuthenticatePlatform(ctx, p, cred); err != nil {
				return fmt.Errorf("connect %s: %w", p, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s connected\n", p)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.AccessToken, "access-token", "", "Graph API access token (WhatsApp, Instagram, Messenger)")
	f.StringVar(&flags.BotToken, "bot-token", "", "Telegram bot token")
	f.StringVar(&flags.PhoneNumberID, "phone-number-id", "", "WhatsApp Business phone number id")
	f.StringVar(&flags.PageID, "page-id", "", "Facebook page id (Instagram, Messenger)")
	f.StringVar(&flags.AppID, "app-id", "", "Meta app id")
	f.StringVar(&flags.AppSecret, "app-secret", "", "Meta app secret")
	return cmd
}

// mergeCredential fills empty fields of primary from fallback.
func mergeCredential(primary, fallback domain.Credential) domain.Credential {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return domain.Credential{
		AccessToken:   pick(primary.AccessToken, fallback.AccessToken),
		BotToken:      pick(primary.BotToken, fallback.BotToken),
		PhoneNumberID: pick(primary.PhoneNumberID, fallback.PhoneNumberID),
		PageID:        pick(primary.PageID, fallback.PageID),
		AppID:         pick(primary.AppID, fallback.AppID),
		AppSecret:     pick(primary.AppSecret, fallback.AppSecret),
		WebhookURL:    pick(primary.WebhookURL, fallback.WebhookURL),
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <platform>",
		Short: "Forget a platform's saved credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePlatform(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.registry.DisconnectPlatform(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s disconnected\n", p)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which platforms are connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.restore(ctx)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tSAVED\tAUTHENTICATED")
			for _, p := range a.registry.Platforms() {
				_, saved, err := a.store.Get(ctx, p)
				savedCol := yesNo(saved)
				if err != nil {
					savedCol = "error: " + err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p, savedCol, yesNo(a.registry.IsAuthenticated(p)))
			}
			return tw.Flush()
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func inboxCmd() *cobra.Command {
	var (
		limit    int
		platform string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Fetch recent messages and print the unified inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.restore(ctx)

			agg := a.engine.Aggregator()
			if platform != "" {
				p, err := parsePlatform(platform)
				if err != nil {
					return err
				}
				agg.GetMessagesByPlatform(ctx, p, limit)
			} else {
				agg.GetAllMessages(ctx, limit)
			}
			agg.GetAllContacts(ctx)
			entries := agg.Inbox()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tCONTACT\tUNREAD\tWHEN\tLAST MESSAGE")
			for _, e := range entries {
				name := e.Contact.DisplayName
				if e.Contact.IsOnline {
					name += " *"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					e.Contact.Platform, name, e.UnreadCount,
					e.LastMessage.Timestamp.Local().Format("Jan 02 15:04"), preview(e.LastMessage))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "messages to fetch per platform")
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only fetch from this platform")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func preview(m domain.Message) string {
	text := strings.Join(strings.Fields(m.Content), " ")
	if text == "" && m.Type != domain.TypeText {
		text = "[" + string(m.Type) + "]"
	}
	if m.Direction == domain.Outbound {
		text = "you: " + text
	}
	if r := []rune(text); len(r) > 60 {
		text = string(r[:57]) + "..."
	}
	return text
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <platform> <contact> <text>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePlatform(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.restore(ctx)

			if !a.registry.IsAuthenticated(p) {
				return fmt.Errorf("%s: %w (run 'onecell connect %s')", p, domain.ErrNotAuthenticated, p)
			}
			msg, ok := a.engine.SendMessage(ctx, p, args[1], strings.Join(args[2:], " "))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.ID, msg.Status)
			if !ok {
				return fmt.Errorf("send to %s failed", p)
			}
			return nil
		},
	}
}

func registerWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register-webhook <platform> <url>",
		Short: "Point a platform's push delivery at a webhook URL",
		Long: `Registers the webhook URL through the platform API. Only Telegram supports
this; Graph platforms are configured in the Meta app dashboard.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePlatform(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.restore(ctx)

			ad, ok := a.registry.Authenticated(p)
			if !ok {
				return fmt.Errorf("%s: %w", p, domain.ErrNotAuthenticated)
			}
			reg, ok := ad.(domain.WebhookRegistrar)
			if !ok {
				return fmt.Errorf("%s: %w: webhook registration", p, domain.ErrUnsupported)
			}
			if err := reg.RegisterWebhook(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s webhook set to %s\n", p, args[1])
			return nil
		},
	}
}
