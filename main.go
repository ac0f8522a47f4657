package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"captcha-gatekeeper/config"
	"captcha-gatekeeper/database"
	"captcha-gatekeeper/detection"
	"captcha-gatekeeper/handlers"
	"captcha-gatekeeper/logger"
	"captcha-gatekeeper/poller"
	"captcha-gatekeeper/reconcile"
	"captcha-gatekeeper/telegram"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const serviceName = "captcha-gatekeeper"

func main() {
	envFile := pflag.String("env-file", ".env", "path to the .env file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(serviceName, cfg.Debug || *debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Bot stopped with error")
	}
	log.Info().Msg("Bot shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, checkpoint, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := telegram.New(telegram.Options{
		Token:          cfg.BotToken,
		Endpoint:       cfg.TelegramAPIEndpoint,
		RequestTimeout: cfg.RequestTimeout,
		PollTimeout:    cfg.PollTimeout,
		Debug:          cfg.Debug,
	}, logger.Component("telegram"))
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	setupCommands(ctx, client)

	self := client.Self()
	scanner := reconcile.New(store, detection.NewHeuristic(), client, self.UserID, logger.Component("reconcile"))

	handler := handlers.NewBotHandler(handlers.Deps{
		Platform:    client,
		Store:       store,
		Classifier:  detection.AccountFlag{},
		Challenges:  handlers.NewMathChallenge(cfg.Messages.CaptchaQuestion),
		Scanner:     scanner,
		Messages:    cfg.Messages,
		SelfID:      self.UserID,
		AdminChatID: cfg.AdminChatID,
		Log:         logger.Component("handlers"),
	})

	feed := poller.New(client, handler, poller.Options{
		PollTimeout:  cfg.PollTimeout,
		RetryDelay:   cfg.RetryDelay,
		EventTimeout: cfg.EventTimeout,
		Checkpoint:   checkpoint,
	}, logger.Component("poller"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return scanner.Start(gctx, cfg.ScanInterval) })

	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Bot is running. Press Ctrl+C to stop.")
	return g.Wait()
}

// openStore returns the configured backend, wrapped with the Redis status
// cache when REDIS_ADDR is set, and the backend's cursor checkpoint.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, poller.Checkpoint, func(), error) {
	var (
		store      database.Store
		checkpoint poller.Checkpoint
	)
	switch cfg.DatabaseDriver {
	case config.DriverMongo:
		s, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDBName, cfg.RequestTimeout)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		store, checkpoint = s, s
	default:
		s, err := database.OpenSQLite(ctx, cfg.DatabasePath, cfg.StoreBusyTimeout)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, checkpoint = s, s
	}
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Connected to store")

	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
	if cfg.RedisAddr == "" {
		return store, checkpoint, closeStore, nil
	}

	client, err := database.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		closeStore()
		return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("Status cache enabled")
	cached := database.NewCachedStore(store, client, cfg.CacheTTL, logger.Component("cache"))
	return cached, checkpoint, func() {
		closeStore()
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
		}
	}, nil
}

func setupCommands(ctx context.Context, client *telegram.Client) {
	err := client.SetCommands(ctx,
		tgbotapi.BotCommand{Command: "banned", Description: "List blocked users (admins)"},
		tgbotapi.BotCommand{Command: "listbanned", Description: "List blocked users (admins)"},
		tgbotapi.BotCommand{Command: "stats", Description: "Verification statistics (admins)"},
		tgbotapi.BotCommand{Command: "scanusers", Description: "Rescan known users for bots (admins)"},
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set commands")
	}
}
