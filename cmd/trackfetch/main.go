// trackfetch is a one-shot CLI: it fetches a single Spotify track into the
// local cache and prints the resulting file path. Useful for debugging the
// pipeline without a Telegram round trip.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/k0kubun/go-ansi"
	_ "github.com/mattn/go-sqlite3"
	"github.com/schollz/progressbar/v3"

	"github.com/nevermorelove/spotify-track-bot/config"
	"github.com/nevermorelove/spotify-track-bot/internal/acquire"
	"github.com/nevermorelove/spotify-track-bot/internal/audio"
	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/coordinator"
	"github.com/nevermorelove/spotify-track-bot/internal/downloader"
	"github.com/nevermorelove/spotify-track-bot/internal/progress"
	"github.com/nevermorelove/spotify-track-bot/internal/spotify"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "Path to the configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <spotify track url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	reference := flag.Arg(0)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Keep stdout for the progress bar; only warnings and errors get through.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	path, err := fetch(context.Background(), cfg, reference)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(path)
}

func fetch(ctx context.Context, cfg *config.Config, reference string) (string, error) {
	db, err := sql.Open("sqlite3", cfg.Storage.DatabasePath)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	artifacts, err := cache.New(ctx, db, cfg.Storage.Dir, cfg.Storage.MaxBytes)
	if err != nil {
		return "", fmt.Errorf("failed to initialize artifact cache: %w", err)
	}

	resolver := spotify.NewResolver(buildMetadataSource(ctx))

	orchestrator := acquire.New(
		downloader.NewYtdlpClient(cfg.Download.Timeout),
		audio.NewFFMPEGEngine(),
		artifacts,
		acquire.Options{
			MinConfidence:   cfg.Search.MinConfidence,
			MaxCandidates:   cfg.Search.MaxCandidates,
			DownloadRetries: cfg.Download.Retries,
			DownloadBackoff: cfg.Download.Backoff,
		},
	)

	bar := progressbar.NewOptions(
		100,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription("[cyan]Fetching track...[reset]"),
	)
	orchestrator.AddListener(func(event progress.Event) {
		bar.Describe(fmt.Sprintf("[cyan]%s[reset] %s", event.Stage, event.Message))
		_ = bar.Set(int(event.Progress))
	})

	delivery, err := coordinator.New(resolver, artifacts, orchestrator).Handle(ctx, reference)
	if err != nil {
		return "", err
	}
	defer delivery.Release()

	_ = bar.Finish()
	fmt.Println()
	return delivery.Record.FilePath, nil
}

func buildMetadataSource(ctx context.Context) spotify.MetadataSource {
	clientID := os.Getenv("SPOTIFY_CLIENT_ID")
	clientSecret := os.Getenv("SPOTIFY_CLIENT_SECRET")

	scraper := spotify.NewOGScraper()
	if clientID == "" || clientSecret == "" {
		return scraper
	}

	api, err := spotify.NewAPIClient(ctx, clientID, clientSecret)
	if err != nil {
		slog.Warn("failed to initialize Spotify client, using page scraping", "error", err)
		return scraper
	}
	return spotify.NewFallbackSource(api, scraper)
}
