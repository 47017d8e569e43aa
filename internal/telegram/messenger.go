package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// BotMessenger delivers worker replies through the Bot API.
type BotMessenger struct {
	bot *gotgbot.Bot
}

func NewBotMessenger(bot *gotgbot.Bot) *BotMessenger {
	return &BotMessenger{bot: bot}
}

func (m *BotMessenger) SendText(ctx context.Context, chatID, replyTo int64, text string) (int64, error) {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	msg, err := m.bot.SendMessageWithContext(ctx, chatID, text, opts)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageId, nil
}

func (m *BotMessenger) EditText(ctx context.Context, chatID, messageID int64, text string) error {
	_, _, err := m.bot.EditMessageTextWithContext(ctx, text, &gotgbot.EditMessageTextOpts{
		ChatId:    chatID,
		MessageId: messageID,
	})
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (m *BotMessenger) SendPhoto(ctx context.Context, chatID, replyTo int64, data []byte, mime, caption string) error {
	opts := &gotgbot.SendPhotoOpts{Caption: caption}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	photo := gotgbot.InputFileByReader(photoName(mime), bytes.NewReader(data))
	if _, err := m.bot.SendPhotoWithContext(ctx, chatID, photo, opts); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

func photoName(mime string) string {
	switch mime {
	case "image/jpeg":
		return "image.jpg"
	case "image/webp":
		return "image.webp"
	default:
		return "image.png"
	}
}

// Telegram rejects edits that leave the text unchanged.
func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
