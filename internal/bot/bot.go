// Package bot is the Telegram transport: it turns chat messages into track
// requests and sends finished artifacts back as audio messages.
package bot

import (
	"context"
	"errors"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/nevermorelove/spotify-track-bot/internal/coordinator"
	"github.com/nevermorelove/spotify-track-bot/internal/domain"
	"github.com/nevermorelove/spotify-track-bot/internal/users"
)

const greeting = "Hi! Send me a Spotify track link and I'll reply with the MP3."

const updateTimeoutSeconds = 30

// errOversized maps to the processing-error user message.
var errOversized = errors.New("artifact exceeds the delivery size cap")

type trackHandler interface {
	Handle(ctx context.Context, reference string) (*coordinator.Delivery, error)
}

type userRegistry interface {
	Upsert(ctx context.Context, user users.User) error
}

// telegramClient is the slice of tgbotapi.BotAPI the bot uses.
type telegramClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot consumes Telegram updates and answers them. Each update is handled on
// its own goroutine so one slow acquisition does not block the queue.
type Bot struct {
	api              telegramClient
	tracks           trackHandler
	registry         userRegistry
	maxArtifactBytes int64
}

func New(api telegramClient, tracks trackHandler, registry userRegistry, maxArtifactBytes int64) *Bot {
	return &Bot{
		api:              api,
		tracks:           tracks,
		registry:         registry,
		maxArtifactBytes: maxArtifactBytes,
	}
}

// Run consumes updates until ctx is cancelled or the update channel closes.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = updateTimeoutSeconds

	updates := b.api.GetUpdatesChan(cfg)
	slog.Info("telegram bot listening")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	log := slog.With("requestID", uuid.NewString(), "chatID", msg.Chat.ID)

	switch {
	case msg.IsCommand() && msg.Command() == "start":
		b.handleStart(ctx, log, msg)
	case domain.IsReferenceAttempt(msg.Text):
		b.handleTrackRequest(ctx, log, msg)
	default:
		log.Debug("ignoring message", "text", msg.Text)
	}
}

func (b *Bot) handleStart(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	if msg.From != nil {
		err := b.registry.Upsert(ctx, users.User{
			ID:        msg.From.ID,
			Username:  msg.From.UserName,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		})
		if err != nil {
			log.Error("failed to register user", "error", err)
		}
	}

	b.reply(log, msg, greeting)
}

func (b *Bot) handleTrackRequest(ctx context.Context, log *slog.Logger, msg *tgbotapi.Message) {
	log.Info("track request", "reference", msg.Text)

	if _, err := b.api.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatUploadDocument)); err != nil {
		log.Debug("failed to send chat action", "error", err)
	}

	delivery, err := b.tracks.Handle(ctx, msg.Text)
	if err != nil {
		log.Error("track request failed", "error", err)
		b.reply(log, msg, domain.UserMessage(err))
		return
	}
	defer delivery.Release()

	rec := delivery.Record
	if b.maxArtifactBytes > 0 && rec.SizeBytes > b.maxArtifactBytes {
		log.Warn("artifact exceeds upload cap, refusing delivery",
			"key", rec.Key,
			"sizeBytes", rec.SizeBytes,
			"maxBytes", b.maxArtifactBytes,
		)
		b.reply(log, msg, domain.UserMessage(errOversized))
		return
	}

	audio := tgbotapi.NewAudio(msg.Chat.ID, tgbotapi.FilePath(rec.FilePath))
	audio.Title = rec.Metadata.Title
	audio.Performer = rec.Metadata.Artist
	audio.Duration = rec.Metadata.DurationSeconds
	if rec.CoverPath != "" {
		audio.Thumb = tgbotapi.FilePath(rec.CoverPath)
	}

	if _, err := b.api.Send(audio); err != nil {
		log.Error("failed to send audio", "key", rec.Key, "error", err)
		b.reply(log, msg, domain.UserMessage(err))
		return
	}

	log.Info("delivered track", "key", rec.Key, "cached", delivery.FromCache)
}

func (b *Bot) reply(log *slog.Logger, msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(out); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}
