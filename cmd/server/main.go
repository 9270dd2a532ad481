package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/api"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/notify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/hallwatch.yaml", "Path to engine YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── Tier rules ───────────────────────────────────────────────────────────
	rs, err := classify.Build(ruleDefs(cfg))
	if err != nil {
		slog.Error("failed to build tier rules", "err", err)
		os.Exit(1)
	}
	classifier := classify.New(rs, *cfg)
	slog.Info("tier rules loaded", "rules", len(rs.Rules()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Audit store ──────────────────────────────────────────────────────────
	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		slog.Error("failed to open audit store", "path", cfg.Audit.Path, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// ── Directory ────────────────────────────────────────────────────────────
	dir, reseed, closeDir, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		slog.Error("failed to open directory", "backend", cfg.Directory.Backend, "err", err)
		os.Exit(1)
	}
	defer closeDir()

	// ── Notification channels ────────────────────────────────────────────────
	channels, closeChannels := buildChannels(cfg.Channels, store, logger)
	defer closeChannels()
	dispatcher := notify.NewDispatcher(ctx, channels, dir, cfg.Dispatch, logger)
	slog.Info("notification channels ready", "channels", strings.Join(channels.Names(), ","))

	// ── Sessions ─────────────────────────────────────────────────────────────
	sessions := session.NewRegistry(ctx, cfg, session.Deps{
		Classifier: classifier,
		Directory:  dir,
		Dispatcher: dispatcher,
		Sink:       store,
		Logger:     logger,
	})

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.Check(func(newCfg *config.Config) error {
		_, err := classify.Build(ruleDefs(newCfg))
		return err
	})
	loader.OnChange(func(newCfg *config.Config) {
		newRules, err := classify.Build(ruleDefs(newCfg))
		if err != nil {
			slog.Warn("hot-reload skipped: rule build failed", "err", err)
			return
		}
		classifier.SwapRules(newRules)
		sessions.SetConfig(newCfg)
		if err := reseed(ctx, newCfg.Directory.Institutions); err != nil {
			slog.Warn("directory reseed failed", "err", err)
		}
		slog.Info("config hot-reloaded", "rules", len(newRules.Rules()))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(api.Options{
		Sessions:   sessions,
		Classifier: classifier,
		Loader:     loader,
		Feed:       store,
		Queue:      dispatcher,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	sessions.Shutdown(shutCtx) // flush open windows into alerts
	dispatcher.Drain()         // deliver what is queued
	cancel()
	slog.Info("goodbye")
}

func newLogger(conf config.LogConf) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if conf.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func ruleDefs(cfg *config.Config) []config.RuleDef {
	if len(cfg.Classifier.Rules) > 0 {
		return cfg.Classifier.Rules
	}
	return classify.DefaultRules()
}

type reseedFunc func(ctx context.Context, seeds []config.InstitutionDef) error

func openDirectory(ctx context.Context, conf config.DirectoryConf) (directory.Directory, reseedFunc, func(), error) {
	if conf.Backend == "redis" {
		rd, err := directory.NewRedis(ctx, conf.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(conf.Institutions) > 0 {
			if err := rd.Seed(ctx, conf.Institutions); err != nil {
				rd.Close()
				return nil, nil, nil, err
			}
		}
		slog.Info("directory backend: redis", "addr", conf.Redis.Addr)
		return rd, rd.Seed, func() { _ = rd.Close() }, nil
	}
	st := directory.NewStatic(conf.Institutions)
	reseed := func(_ context.Context, seeds []config.InstitutionDef) error {
		st.Reseed(seeds)
		return nil
	}
	slog.Info("directory backend: static", "institutions", len(conf.Institutions))
	return st, reseed, func() {}, nil
}

// buildChannels registers the dashboard plus the wearable and admin channels.
// Without a broker or push URLs those fall back to log-only channels.
func buildChannels(conf config.ChannelsConf, board notify.Board, log *slog.Logger) (*notify.Registry, func()) {
	reg := notify.NewRegistry()
	reg.Register(notify.NewDashboardChannel(board))
	closers := []func(){}

	wearables := []string{notify.ChannelSilentHaptic, notify.ChannelHaptic, notify.ChannelAudio}
	var pub *notify.MQTTPublisher
	if conf.MQTT.Enabled {
		p, err := notify.NewMQTTPublisher(conf.MQTT, log)
		if err != nil {
			slog.Warn("mqtt unavailable, wearable alerts will be logged only", "err", err)
		} else {
			pub = p
			closers = append(closers, p.Close)
		}
	}
	for _, name := range wearables {
		if pub != nil {
			reg.Register(pub.Channel(name))
		} else {
			reg.Register(notify.NewLogChannel(name, log))
		}
	}

	var admin notify.Channel = notify.NewLogChannel(notify.ChannelAdmin, log)
	if conf.Shoutrrr.Enabled {
		ch, err := notify.NewShoutrrrChannel(conf.Shoutrrr)
		if err != nil {
			slog.Warn("admin push unavailable, advisories go to dashboards only", "err", err)
		} else {
			admin = ch
		}
	}
	reg.Register(admin)

	return reg, func() {
		for _, c := range closers {
			c()
		}
	}
}
