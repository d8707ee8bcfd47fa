// Command quietfeed runs the suppression daemon: it drives a Chrome
// instance, hides addictive feed elements on the platforms it knows and
// serves the settings over HTTP and MCP.
//
// Usage:
//
//	quietfeed -config quietfeed.yaml
//	quietfeed -db ./quietfeed.db -addr 127.0.0.1:8787 -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-rod/rod"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/quietfeed/authcache"
	"github.com/hazyhaar/quietfeed/authority"
	"github.com/hazyhaar/quietfeed/internal/browser"
	"github.com/hazyhaar/quietfeed/internal/config"
	"github.com/hazyhaar/quietfeed/internal/server"
	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/navblock"
	"github.com/hazyhaar/quietfeed/platform"
	"github.com/hazyhaar/quietfeed/store"
	"github.com/hazyhaar/quietfeed/tabhost"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to quietfeed.yaml config file")
	dbPath := flag.String("db", "", "settings database path (overrides store.path)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			logger.Error("quietfeed: load config", "error", err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("quietfeed: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	cat := platform.Default()
	if cfg.Catalog != "" {
		var err error
		if cat, err = platform.LoadCatalog(cfg.Catalog); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	st, err := store.Open(cfg.Store.Path, store.WithMkdirAll(), store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()
	go st.Watch(ctx, store.WatchOptions{})

	host := tabhost.New(tabhost.WithLogger(logger))

	mgr := browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.Remote,
		Mode:            browser.ParseMode(cfg.Browser.Mode),
		Stealth:         cfg.Browser.Stealth,
		RecycleInterval: cfg.Browser.RecycleInterval,
		XvfbDisplay:     cfg.Browser.XvfbDisplay,
		Logger:          logger,
	})
	defer mgr.Close()

	rules, err := navblock.CompileRules(cat, authority.VideoPlatform, authority.ShortsOption)
	if err != nil {
		logger.Warn("quietfeed: no shorts rules in catalog", "error", err)
	}
	ruleSet := browser.NewHijackRuleSet(mgr, rules, logger)

	var auth *authority.Authority
	blocker := navblock.New(navblock.Config{
		Rules:   rules,
		RuleSet: ruleSet,
		Policy:  func(ctx context.Context) (bool, error) { return auth.Engaged(ctx) },
		Logger:  logger,
	})
	auth = authority.New(authority.Config{
		Store:             st,
		Catalog:           cat,
		Tabs:              host,
		Policy:            blocker,
		BroadcastDelay:    cfg.BroadcastDelay,
		ReconcileSchedule: cfg.ReconcileSchedule,
		DashboardURL:      cfg.DashboardURL,
		Logger:            logger,
	})
	cancelOnClose := host.OnClose(auth.TabClosed)
	defer cancelOnClose()

	// The browser comes up before the authority so the first policy sync
	// can install the rule set.
	enforcer := browser.NewEnforcer(browser.EnforcerConfig{
		Manager:  mgr,
		Catalog:  cat,
		Tabs:     host,
		Settings: auth,
		Blocker:  blocker,
		Window:   cfg.Debounce.Window,
		OnLoad:   auth.TabLoaded,
		Logger:   logger,
	})
	browserUp := false
	if _, err := mgr.Start(ctx); err != nil {
		logger.Warn("quietfeed: browser unavailable, serving settings only", "error", err)
	} else {
		browserUp = true
		host.SetOpener(enforcer)
		mgr.SetRecycleCallback(recycleHooks(ctx, logger, enforcer, ruleSet))
	}

	if err := auth.Start(ctx); err != nil {
		return err
	}
	defer auth.Close()

	if browserUp {
		if err := enforcer.Start(ctx); err != nil {
			return err
		}
		defer enforcer.Close()
		for _, u := range cfg.Tabs {
			if _, err := host.Open(ctx, u); err != nil {
				logger.Warn("quietfeed: open tab", "url", u, "error", err)
			}
		}
	}

	router := message.New(message.WithLogger(logger))
	auth.RegisterMessages(router, authcache.New(st))

	if cfg.Server.Disabled {
		<-ctx.Done()
		return nil
	}
	srv := server.New(server.Config{
		Settings: auth,
		Router:   router,
		Tabs:     host,
		OnTabURL: auth.TabLoaded,
		MaxBody:  cfg.Server.MaxBody,
		Version:  version,
		Logger:   logger,
	})
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

// recycleHooks carries the tabs and the installed rule set across a Chrome
// restart.
func recycleHooks(ctx context.Context, logger *slog.Logger, e *browser.Enforcer, rs *browser.HijackRuleSet) *browser.RecycleCallback {
	tabs := e.RecycleCallback(ctx)
	return &browser.RecycleCallback{
		BeforeRecycle: tabs.BeforeRecycle,
		AfterRecycle: func(b *rod.Browser) {
			tabs.AfterRecycle(b)
			go func() {
				if err := rs.Rebind(ctx); err != nil {
					logger.Warn("quietfeed: reinstall rule set", "error", err)
				}
			}()
		},
	}
}
