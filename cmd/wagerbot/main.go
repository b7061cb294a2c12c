package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/susu3304/wagerbot/internal/alert"
	"github.com/susu3304/wagerbot/internal/api"
	"github.com/susu3304/wagerbot/internal/bot"
	"github.com/susu3304/wagerbot/internal/config"
	"github.com/susu3304/wagerbot/internal/discord"
	"github.com/susu3304/wagerbot/internal/verify"
)

const shutdownTimeout = 30 * time.Second

func main() {
	setupLogging()

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "run":
		err = run()
	case "verify":
		err = runVerify()
	case "token":
		err = mintToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|verify|token <subject>]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

// applyLogConfig switches level and format once the config is known.
func applyLogConfig(cfg *config.Config) {
	if level, err := log.ParseLevel(cfg.AppLogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.AppLogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	if cfg.AlertWebhookURL != "" {
		hook, err := alert.NewHook(cfg.AlertWebhookURL)
		if err != nil {
			log.WithError(err).Warn("alert webhook disabled")
			return
		}
		log.AddHook(hook)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogConfig(cfg)
	if err := cfg.RequireRun(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := discord.New(cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create discord client: %w", err)
	}
	archive, closeArchive, err := bot.OpenArchive(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer closeArchive()

	b, err := bot.New(cfg, bot.Options{Transport: client, Archive: archive})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("received %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return b.Stop(stopCtx)
}

func runVerify() error {
	cfg, err := config.Defaults()
	if err != nil {
		return err
	}
	applyLogConfig(cfg)
	failed := 0
	for _, r := range verify.Run(context.Background(), cfg) {
		status := "PASS"
		if !r.Passed() {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%s  %-24s %s\n", status, r.Name, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Printf("      %v\n", r.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func mintToken(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: token <subject>")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, err := api.MintToken(cfg.JWTSecret, args[0], time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
