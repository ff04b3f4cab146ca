package notificator

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	db models.NotificationRepository
}

// NewTelegramNotificator connects the bot and starts receiving updates until ctx is done.
func NewTelegramNotificator(ctx context.Context, logger *logger.Logger, token string, db models.NotificationRepository) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		db:     db,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	go b.Start(ctx)
	provider.bot = b

	return provider, nil
}

func (t *TelegramNotificator) SendNotification(chatId, message string) {
	params := &bot.SendMessageParams{
		ChatID: chatId,
		Text:   message,
	}
	_, err := t.bot.SendMessage(context.Background(), params)
	if err != nil {
		t.logger.Error("Failed to send notification", "chat_id", chatId, "error", err)
	}
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil {
		return
	}
	user := update.Message.From
	if user == nil {
		t.logger.Error("User is nil")
		return
	}
	t.logger.Debug("Telegram update", "username", user.Username, "text", update.Message.Text)

	userID, ok := ParseStartCommand(update.Message.Text)
	if !ok {
		return
	}
	chatID := fmt.Sprint(update.Message.Chat.ID)
	if userID == "" {
		t.SendNotification(chatID, "Open the notification link from the app to connect this chat.")
		return
	}

	if err := t.db.SaveTelegramProvider(ctx, &models.TelegramProvider{
		UserID:   userID,
		Username: user.Username,
		ChatID:   chatID,
	}); err != nil {
		t.logger.Error("Failed to save telegram provider", "user_id", userID, "error", err)
		return
	}
	t.logger.Info("Telegram chat linked", "user_id", userID, "username", user.Username)
	t.SendNotification(chatID, "You have successfully subscribed to payment notifications.")
}

// ParseStartCommand extracts the user id from "/start <userId>". ok is false
// for any other message.
func ParseStartCommand(text string) (userID string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || (fields[0] != "/start" && !strings.HasPrefix(fields[0], "/start@")) {
		return "", false
	}
	if len(fields) > 1 {
		return fields[1], true
	}
	return "", true
}
