package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/filedrop/internal/channel/adapters/telegram"
	"github.com/memohai/filedrop/internal/config"
	"github.com/memohai/filedrop/internal/conversation"
	"github.com/memohai/filedrop/internal/handlers"
	"github.com/memohai/filedrop/internal/healthcheck"
	channelchecker "github.com/memohai/filedrop/internal/healthcheck/checkers/channel"
	linkschecker "github.com/memohai/filedrop/internal/healthcheck/checkers/links"
	"github.com/memohai/filedrop/internal/links"
	"github.com/memohai/filedrop/internal/logger"
	"github.com/memohai/filedrop/internal/server"
	"github.com/memohai/filedrop/internal/version"
)

func runServe(opts *rootOptions) error {
	app := fx.New(serveOptions(opts))
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func serveOptions(opts *rootOptions) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (config.Config, error) { return provideConfig(opts.configPath) },
			provideLogger,
			provideFs,
			provideLinkStore,
			provideDomainStore,
			provideTelegramAdapter,
			provideFileSource,
			provideConversationService,
			provideServerHandler(provideHealthHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServerHandler(provideDownloadHandler),
			provideServer,
		),
		fx.Invoke(
			startServer,
			startPolling,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideFs() afero.Fs { return afero.NewOsFs() }

func provideLinkStore(fsys afero.Fs, cfg config.Config, log *slog.Logger) *links.Store {
	return links.NewStore(fsys, cfg.Links.Path, log)
}

func provideDomainStore(fsys afero.Fs, cfg config.Config, log *slog.Logger) *links.DomainStore {
	return links.NewDomainStore(fsys, cfg.Links.DomainPath, log)
}

func provideTelegramAdapter(log *slog.Logger, cfg config.Config) (*telegram.TelegramAdapter, error) {
	return telegram.NewTelegramAdapter(log, cfg.Telegram)
}

func provideFileSource(log *slog.Logger, cfg config.Config) *telegram.FileSource {
	return telegram.NewFileSource(log, cfg.Telegram)
}

func provideConversationService(log *slog.Logger, cfg config.Config, store *links.Store, domains *links.DomainStore, adapter *telegram.TelegramAdapter) (*conversation.Service, error) {
	mode, err := links.ParseMode(cfg.Links.Mode)
	if err != nil {
		return nil, err
	}
	return conversation.NewService(log, conversation.Config{
		AdminIDs:    cfg.Telegram.AdminIDs,
		Mode:        mode,
		SessionTTL:  cfg.Conversation.SessionTTLDuration(),
		MaxSessions: cfg.Conversation.MaxSessions,
	}, store, domains, cfg.PublicBaseURL(), adapter), nil
}

func provideDownloadHandler(log *slog.Logger, cfg config.Config, store *links.Store, files *telegram.FileSource) *handlers.DownloadHandler {
	return handlers.NewDownloadHandler(log, cfg, store, files)
}

// provideHealthHandler reports polling as stale after three missed long polls.
func provideHealthHandler(log *slog.Logger, cfg config.Config, adapter *telegram.TelegramAdapter, store *links.Store) *handlers.HealthHandler {
	staleAfter := 3 * time.Duration(cfg.Telegram.PollTimeout) * time.Second
	if staleAfter < time.Minute {
		staleAfter = time.Minute
	}
	return handlers.NewHealthHandler([]healthcheck.Checker{
		channelchecker.NewChecker(log, adapter, staleAfter),
		linkschecker.NewChecker(log, store),
	})
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server, params.ServerHandlers)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting filedrop",
				slog.String("version", version.GetInfo()),
				slog.String("mode", cfg.Links.Mode),
				slog.String("base_url", cfg.PublicBaseURL()),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func startPolling(lc fx.Lifecycle, logger *slog.Logger, adapter *telegram.TelegramAdapter, svc *conversation.Service, shutdowner fx.Shutdowner, cfg config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := adapter.ClearWebhook(cfg.Telegram.DropPendingUpdates); err != nil {
					logger.Warn("delete webhook failed", slog.Any("error", err))
				}
				err := adapter.Poll(ctx, svc.HandleInbound)
				switch {
				case err == nil, errors.Is(err, context.Canceled):
				case errors.Is(err, telegram.ErrPollingConflict):
					logger.Error("polling stopped: another instance is using this bot token", slog.Any("error", err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				default:
					logger.Error("polling stopped", slog.Any("error", err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("polling did not stop before shutdown deadline")
			}
			return nil
		},
	})
}
