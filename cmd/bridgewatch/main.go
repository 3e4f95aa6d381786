package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/engine"
	"bridgewatch/internal/gwerr"
	"bridgewatch/internal/lock"
	"bridgewatch/internal/model"
	"bridgewatch/internal/qr"
)

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config file")
	tokenFlag := flag.String("token", "", "bearer token (overrides config)")
	levelFlag := flag.String("log-level", "", "log level (overrides config)")
	flag.Parse()

	// One engine per profile: a second instance on the same token would
	// double-join sessions and race acks on the push channel.
	profileLock, err := lock.Acquire(filepath.Dir(*configFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgewatch: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = profileLock.Release() }()

	app := fx.New(
		engine.Module(engine.Params{
			ConfigPath: *configFlag,
			Token:      *tokenFlag,
			LogLevel:   *levelFlag,
		}),
		fx.Invoke(startWatcher),
	)

	app.Run()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridgewatch.toml"
	}
	return filepath.Join(home, ".bridgewatch", "config.toml")
}

// startWatcher taps the engine bus and reports activity on stdout; it
// stands in for the UI bindings a dashboard would attach.
func startWatcher(b *bus.Bus, logger *zap.Logger) {
	ch, _ := b.Subscribe("", 256)

	go func() {
		for evt := range ch {
			switch evt.Kind {
			case bus.KindSessionQR:
				payload, ok := evt.Payload.(bus.SessionQR)
				if !ok {
					continue
				}
				block, err := qr.Render(payload.Code)
				if err != nil {
					logger.Warn("qr render failed", zap.Error(err))
					continue
				}
				fmt.Printf("\nScan to pair session %s:\n\n%s\n", payload.SessionID, block)
			case bus.KindSessionsUpdated:
				sessions, ok := evt.Payload.([]model.Session)
				if !ok {
					continue
				}
				for _, s := range sessions {
					fmt.Printf("session %s (%s): active=%t connected=%t phone=%s\n",
						s.ID, s.DisplayName, s.IsActive, s.IsConnected, s.PhoneNumber)
				}
			case bus.KindChatsUpdated:
				page, ok := evt.Payload.(bus.ChatPage)
				if !ok {
					continue
				}
				fmt.Printf("chats updated: %d chats on page %d\n", len(page.Chats), page.Pagination.Page)
			case bus.KindMessagesUpdated:
				page, ok := evt.Payload.(bus.MessagePage)
				if !ok {
					continue
				}
				fmt.Printf("chat %s: %d messages\n", page.ChatID, len(page.Messages))
			case bus.KindConnError:
				if e, ok := evt.Payload.(*gwerr.Error); ok {
					fmt.Fprintf(os.Stderr, "connection error [%s]: %s\n", e.Code, e.Message)
				}
			}
		}
	}()
}
