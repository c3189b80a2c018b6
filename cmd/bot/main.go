package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nevermorelove/spotify-track-bot/config"
	"github.com/nevermorelove/spotify-track-bot/internal/acquire"
	"github.com/nevermorelove/spotify-track-bot/internal/archive"
	"github.com/nevermorelove/spotify-track-bot/internal/audio"
	"github.com/nevermorelove/spotify-track-bot/internal/bot"
	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/coordinator"
	"github.com/nevermorelove/spotify-track-bot/internal/downloader"
	"github.com/nevermorelove/spotify-track-bot/internal/server"
	"github.com/nevermorelove/spotify-track-bot/internal/spotify"
	"github.com/nevermorelove/spotify-track-bot/internal/users"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "Path to the configuration file")
	flag.Parse()

	// Secrets come from the environment; .env is a development convenience.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.Level(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite3", cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	artifacts, err := cache.New(ctx, db, cfg.Storage.Dir, cfg.Storage.MaxBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact cache: %w", err)
	}
	if err := artifacts.Sweep(ctx); err != nil {
		return fmt.Errorf("failed to reconcile artifact cache: %w", err)
	}

	registry, err := users.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to initialize user registry: %w", err)
	}

	source, err := buildMetadataSource(ctx)
	if err != nil {
		return err
	}
	resolver := spotify.NewResolver(source)

	var sourceClient downloader.SourceClient = downloader.NewYtdlpClient(cfg.Download.Timeout)
	if apiKey := os.Getenv("YOUTUBE_API_KEY"); apiKey != "" {
		sourceClient = downloader.NewYouTubeAPIClient(apiKey, sourceClient)
		slog.Info("using YouTube Data API for search")
	}

	orchestrator := acquire.New(
		sourceClient,
		audio.NewFFMPEGEngine(),
		artifacts,
		acquire.Options{
			MinConfidence:   cfg.Search.MinConfidence,
			MaxCandidates:   cfg.Search.MaxCandidates,
			DownloadRetries: cfg.Download.Retries,
			DownloadBackoff: cfg.Download.Backoff,
		},
	)

	if cfg.Archive.Bucket != "" {
		archiver, err := archive.NewGCSArchiver(ctx, cfg.Archive.Bucket, cfg.Archive.ObjectPrefix, cfg.Archive.CredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		defer archiver.Close()
		orchestrator.UseArchiver(archiver)
		slog.Info("archiving enabled", "bucket", cfg.Archive.Bucket)
	}

	coord := coordinator.New(resolver, artifacts, orchestrator)

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	slog.Info("authorized on Telegram", "username", api.Self.UserName)

	if cfg.Server.Enabled {
		srv := server.New(resolver, artifacts)
		go func() {
			slog.Info("starting companion API", "port", cfg.Server.Port)
			if err := srv.Start(cfg.Server.Port); err != nil {
				slog.Error("companion API stopped", "error", err)
			}
		}()
	}

	err = bot.New(api, coord, registry, cfg.Delivery.MaxArtifactBytes).Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("shutting down")
		return nil
	}
	return err
}

// buildMetadataSource prefers the Web API when credentials are configured
// and keeps the page scraper as a fallback. Without credentials the scraper
// serves alone.
func buildMetadataSource(ctx context.Context) (spotify.MetadataSource, error) {
	clientID := os.Getenv("SPOTIFY_CLIENT_ID")
	clientSecret := os.Getenv("SPOTIFY_CLIENT_SECRET")

	scraper := spotify.NewOGScraper()
	if clientID == "" || clientSecret == "" {
		slog.Warn("no Spotify API credentials, using page scraping only")
		return scraper, nil
	}

	api, err := spotify.NewAPIClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Spotify client: %w", err)
	}
	return spotify.NewFallbackSource(api, scraper), nil
}
