package channels

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/agentplane/control/internal/store"
)

// TelegramChannel registers Telegram as a webhook-ingress channel: Telegram
// POSTs updates to our webhook endpoint (rather than us long-polling), and
// Deliver replies in the originating chat via the bot API. Session ids are
// deterministic per chat so a chat's history threads through one session
// regardless of which task answered it, matching the teacher's
// "telegram-<chatID>"-style session key derivation.
type TelegramChannel struct {
	bot          *tgbotapi.BotAPI
	secretToken  string
	defaultSkill []store.Skill
	defaultBridge []store.BridgeConfig
}

// NewTelegramChannel constructs the channel from a bot token. secretToken,
// if non-empty, is compared against Telegram's
// X-Telegram-Bot-Api-Secret-Token header on every webhook delivery.
func NewTelegramChannel(token, secretToken string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot api: %w", err)
	}
	return &TelegramChannel{bot: bot, secretToken: secretToken}, nil
}

func (c *TelegramChannel) Type() string { return "telegram" }

func (c *TelegramChannel) Defaults() ([]store.Skill, []store.BridgeConfig) {
	return c.defaultSkill, c.defaultBridge
}

func (c *TelegramChannel) Verify(r *http.Request, body []byte) bool {
	if c.secretToken == "" {
		return true
	}
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.secretToken)) == 1
}

// Translate maps a Telegram Update into a TaskRequest keyed on chat id.
// Non-message updates (callback queries, edited messages, etc.) and
// updates with no text translate to (nil, nil).
func (c *TelegramChannel) Translate(r *http.Request, body []byte) (*TaskRequest, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	if update.Message == nil || update.Message.Text == "" {
		return nil, nil
	}

	sessionID := "telegram-" + strconv.FormatInt(update.Message.Chat.ID, 10)
	meta, err := json.Marshal(map[string]any{"chat_id": update.Message.Chat.ID})
	if err != nil {
		return nil, fmt.Errorf("marshal telegram channel meta: %w", err)
	}
	return &TaskRequest{
		SessionID:   sessionID,
		ChannelMeta: string(meta),
		Message:     update.Message.Text,
	}, nil
}

// Deliver replies in the originating chat with the task's result or, on
// failure, its error text.
func (c *TelegramChannel) Deliver(snapshot TaskSnapshot) error {
	var meta struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := json.Unmarshal([]byte(snapshot.ChannelMeta), &meta); err != nil {
		return fmt.Errorf("decode telegram channel meta: %w", err)
	}

	text := snapshot.Result
	if snapshot.Status == store.TaskFailed {
		text = "Task failed: " + snapshot.Error
	}
	if text == "" {
		return nil
	}

	msg := tgbotapi.NewMessage(meta.ChatID, text)
	_, err := c.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("send telegram reply: %w", err)
	}
	return nil
}
