package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/wxgatehq/wxgate/internal/channel"
	"github.com/wxgatehq/wxgate/internal/channel/adapters/wechat"
	"github.com/wxgatehq/wxgate/internal/config"
	"github.com/wxgatehq/wxgate/internal/logger"
	"github.com/wxgatehq/wxgate/internal/pipeline"
	"github.com/wxgatehq/wxgate/internal/server"
	"github.com/wxgatehq/wxgate/internal/store"
)

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = os.Getenv("CONFIG_PATH")
			}
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config.toml")
	return cmd
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	adapterCfg := &wechat.Config{
		APIHost:                cfg.WeChat.APIHost,
		APIPort:                cfg.WeChat.APIPort,
		Protocol:               cfg.WeChat.Protocol,
		DeviceName:             cfg.WeChat.DeviceName,
		IgnoreMode:             wechat.IgnoreMode(cfg.WeChat.IgnoreMode),
		Whitelist:              cfg.WeChat.Whitelist,
		Blacklist:              cfg.WeChat.Blacklist,
		SpeechRecognition:      cfg.WeChat.SpeechRecognition,
		GroupSpeechRecognition: cfg.WeChat.GroupSpeechRecognition,
		BotName:                cfg.WeChat.BotName,
		GroupAlias:             cfg.WeChat.GroupAlias,
		SyncIntervalSeconds:    cfg.WeChat.SyncIntervalSeconds,
	}
	adapter, err := wechat.New(adapterCfg, db, log)
	if err != nil {
		return fmt.Errorf("init wechat adapter: %w", err)
	}

	processor := pipeline.NewWebhook(cfg.Pipeline.WebhookURL, cfg.Pipeline.Timeout(), cfg.Pipeline.Headers, log)
	manager := channel.NewManager(log, channel.NewRegistry(), processor)
	manager.Use(
		channel.FreshnessMiddleware(time.Duration(cfg.WeChat.FreshnessSeconds)*time.Second, log),
		channel.DedupeMiddleware(db, time.Duration(cfg.WeChat.SeenTTLSeconds)*time.Second, log),
	)
	manager.RegisterAdapter(adapter)

	// Expired dedupe entries are swept hourly.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		removed, err := db.SweepSeen()
		if err != nil {
			log.Warn("seen sweep failed", slog.Any("error", err))
			return
		}
		if removed > 0 {
			log.Debug("seen sweep done", slog.Int("removed", removed))
		}
	}); err != nil {
		return fmt.Errorf("schedule seen sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager.Start(ctx)

	srv := server.NewServer(cfg.Server.Addr, manager, adapter)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", slog.Any("error", err))
			cancel()
		}
	}()
	log.Info("wxgate started", slog.String("addr", cfg.Server.Addr))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown failed", slog.Any("error", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warn("manager shutdown failed", slog.Any("error", err))
	}
	return nil
}
