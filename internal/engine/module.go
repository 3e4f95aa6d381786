// Package engine composes the sync engine into one service object:
// constructed on app start, torn down on logout, no module-level
// globals.
package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/chat"
	"bridgewatch/internal/config"
	"bridgewatch/internal/gateway"
	"bridgewatch/internal/logging"
	"bridgewatch/internal/message"
	"bridgewatch/internal/poll"
	"bridgewatch/internal/rest"
	"bridgewatch/internal/session"
)

// Params holds the resolved startup configuration passed to the fx
// module.
type Params struct {
	ConfigPath string
	Token      string // optional override for the configured token
	LogLevel   string // optional override for the configured level
}

// Module returns the fx module for the engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideGateway,
			provideREST,
			provideRegistry,
			provideDirectory,
			provideReconciler,
			providePoller,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.Token != "" {
		cfg.Token = p.Token
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *zap.Logger {
	return logging.New(cfg.LogLevel, uuid.New().String()[:8])
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideGateway(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *gateway.Manager {
	return gateway.NewManager(cfg, b, logger)
}

func provideREST(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.RestURL, cfg.Token, cfg.CallTimeout())
}

func provideRegistry(api *rest.Client, gw *gateway.Manager, b *bus.Bus, logger *zap.Logger) *session.Registry {
	return session.NewRegistry(api, gw, b, logger)
}

func provideDirectory(cfg *config.Config, gw *gateway.Manager, reg *session.Registry, b *bus.Bus, logger *zap.Logger) *chat.Directory {
	return chat.NewDirectory(gw, reg, b, logger, cfg.ChatPageSize)
}

func provideReconciler(cfg *config.Config, gw *gateway.Manager, reg *session.Registry, b *bus.Bus, logger *zap.Logger) *message.Reconciler {
	return message.NewReconciler(gw, reg, b, logger, cfg.Retention(), cfg.MessagePageSize)
}

func providePoller(cfg *config.Config, reg *session.Registry, b *bus.Bus, logger *zap.Logger) *poll.Poller {
	return poll.NewPoller(reg, b, logger, cfg.PollInterval())
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, gw *gateway.Manager, reg *session.Registry, dir *chat.Directory, rec *message.Reconciler, p *poll.Poller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Component event loops subscribe before the socket opens so
			// no early push is missed.
			reg.Start(context.Background())
			dir.Start(context.Background())
			rec.Start(context.Background())
			p.Start(context.Background())

			if err := gw.Connect(ctx, cfg.Token); err != nil {
				return err
			}

			// Initial snapshot; the connection is already live, so a
			// failure here degrades to an empty list, not a dead engine.
			go func() {
				if _, err := reg.Refresh(context.Background()); err != nil {
					logger.Warn("initial session fetch failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			p.Stop()
			rec.Stop()
			dir.Stop()
			reg.Stop()
			gw.Close()
			_ = logger.Sync()
			logger.Info("engine stopped")
			return nil
		},
	})
}
