package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/config"
	"github.com/quillhaven/keycast/internal/credential"
	"github.com/quillhaven/keycast/internal/metrics"
	"github.com/quillhaven/keycast/internal/realtime"
	"github.com/quillhaven/keycast/internal/relay"
	"github.com/quillhaven/keycast/internal/session"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	cfg := config.LoadConfig()
	if cfg.BotPassword == "" {
		log.Fatal("BOT_PASSWORD must be set")
	}
	if cfg.PublisherToken == "" {
		log.Fatal("PUBLISHER_TOKEN must be set")
	}

	targets, err := relay.LoadTargets(cfg.RelayTargetsFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load relay targets")
	}
	log.WithField("destinations", targets.Len()).Info("Relay targets loaded")

	manager := session.NewManager(
		session.NewAPIClient(cfg.IdentityBaseURL),
		credential.NewStore(cfg.CredentialFile),
		session.Account{
			Email:       cfg.BotEmail,
			Password:    cfg.BotPassword,
			DisplayName: cfg.BotDisplayName,
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !manager.Initialize(ctx) {
		log.Fatal("Failed to establish a bot session")
	}
	if ident := manager.Identity(); ident != nil {
		log.WithFields(logrus.Fields{
			"user": ident.DisplayName,
			"role": ident.Role,
		}).Info("Bot session established")
	}

	channel := realtime.NewChannel(realtime.Options{
		URL:     cfg.KeycastWSURL,
		Session: manager,
		Log:     log,
	})
	channel.Connect()

	m := metrics.New()
	editor := relay.NewRESTEditor(cfg.PublisherBaseURL, cfg.PublisherToken)
	r := relay.New(targets, editor, m, log)

	// SIGHUP re-reads the destination mapping without restarting the bot.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := targets.Reload(); err != nil {
				log.WithError(err).Error("Failed to reload relay targets")
				continue
			}
			log.WithField("destinations", targets.Len()).Info("Relay targets reloaded")
		}
	}()

	err = r.Run(ctx, channel.Events())

	log.Info("Relay bot is shutting down gracefully...")
	channel.Disconnect()

	logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Logout(logoutCtx)

	if err != nil && err != context.Canceled {
		log.WithError(err).Fatal("Relay bot stopped")
	}
	log.Info("Relay bot exited gracefully")
}
