package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/gateway"
	"github.com/reifying/untethered/internal/httpapi"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/orchestration"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
	"github.com/reifying/untethered/internal/subscribers"
	"github.com/reifying/untethered/internal/subscribers/discord"
	logsub "github.com/reifying/untethered/internal/subscribers/logging"
	"github.com/reifying/untethered/internal/subscribers/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.GatewayFromYAMLAndEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides config")
	return cmd
}

func serve(parent context.Context, cfg config.GatewayConfig) error {
	logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.New("gateway")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("store close failed")
		}
	}()

	invoker, ok := agent.DefaultRegistry().Resolve(cfg.Agent, cfg.ClaudeBinary)
	if !ok {
		return fmt.Errorf("unknown agent %q", cfg.Agent)
	}

	tables, err := openTables(cfg.StepsFile, logging.New("steps"))
	if err != nil {
		return err
	}

	subs, err := buildSubscribers(cfg)
	if err != nil {
		return err
	}

	svc, err := gateway.NewService(gateway.Options{
		APIKey:                  cfg.APIKey,
		DefaultWorkingDirectory: cfg.WorkingDirectory,
		SessionLimit:            cfg.SessionLimit,
		HistoryBudget:           cfg.HistoryBudget,
		Store:                   store,
		Invoker:                 invoker,
		Tables:                  tables,
		Subscribers:             subs,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}
	srv := httpapi.NewServer(logging.New("http"), cfg.HTTPAddr, svc)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.Store}).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return tables.Watch(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown failed")
		}
		return svc.Close(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.GatewayConfig) (session.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return session.NewMemoryStore(), nil
	case config.StoreFile:
		return session.NewFileStore(config.ResolvePath(cfg.DataDir))
	case config.StorePostgres:
		return session.NewGormStore("postgres", cfg.DBDSN)
	default:
		return session.NewGormStore("sqlite", cfg.SQLiteDSN())
	}
}

func openTables(path string, logger *logrus.Entry) (*orchestration.TableSource, error) {
	if path == "" {
		logger.Info("no step table configured, orchestration runs are disabled")
		return orchestration.StaticTable(nil), nil
	}
	source, err := orchestration.NewTableSource(config.ResolvePath(path), logger)
	if err != nil {
		return nil, fmt.Errorf("load step table: %w", err)
	}
	return source, nil
}

func buildSubscribers(cfg config.GatewayConfig) ([]subscribers.Subscriber, error) {
	subs := []subscribers.Subscriber{logsub.New(logging.New("events"))}
	if cfg.WebhookURL != "" {
		subs = append(subs, webhook.New("webhook", cfg.WebhookURL,
			webhook.WithSecret(cfg.WebhookSecret),
			webhook.WithEventFilter(notifiable)))
	}
	if cfg.DiscordBotToken != "" {
		sender, err := discord.NewBotSender(cfg.DiscordBotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		subs = append(subs, discord.New(cfg.DiscordChannelID, sender))
	}
	return subs, nil
}

// notifiable keeps outbound webhooks to run lifecycle events.
func notifiable(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeRunStarted, protocol.TypeStepStarted, protocol.TypeRunExited:
		return true
	default:
		return false
	}
}
