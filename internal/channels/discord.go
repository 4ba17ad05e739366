package channels

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/agentplane/control/internal/store"
)

// DiscordChannel registers Discord as a webhook-ingress channel via
// interaction webhooks. Discord signs every interaction POST with
// Ed25519 over the request timestamp and body; verification uses the
// standard library's crypto/ed25519 since no example repo in the corpus
// carries a Discord-signature package, unlike Telegram/webhook auth where
// bot-token or HMAC schemes are the norm.
type DiscordChannel struct {
	session   *discordgo.Session
	publicKey ed25519.PublicKey
}

// NewDiscordChannel builds the channel from a bot token (used for posting
// replies) and the application's hex-encoded Ed25519 public key (used to
// verify inbound interaction signatures).
func NewDiscordChannel(botToken, publicKeyHex string) (*DiscordChannel, error) {
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode discord public key: %w", err)
	}
	return &DiscordChannel{session: sess, publicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

func (c *DiscordChannel) Type() string { return "discord" }

func (c *DiscordChannel) Defaults() ([]store.Skill, []store.BridgeConfig) {
	return nil, nil
}

// Verify implements Discord's documented interaction verification:
// ed25519.Verify(publicKey, timestamp+body, signature).
func (c *DiscordChannel) Verify(r *http.Request, body []byte) bool {
	sigHex := r.Header.Get("X-Signature-Ed25519")
	timestamp := r.Header.Get("X-Signature-Timestamp")
	if sigHex == "" || timestamp == "" {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	message := append([]byte(timestamp), body...)
	return ed25519.Verify(c.publicKey, message, sig)
}

type discordInteraction struct {
	Type   int `json:"type"`
	Member *struct {
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"member"`
	ChannelID string `json:"channel_id"`
	Data      *struct {
		Options []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

const discordPingType = 1

// Translate decodes a Discord interaction payload. PING interactions
// (Discord's endpoint-liveness check) and interactions without options
// translate to (nil, nil); the webhook ingress handler answers those with
// {ok:true, skipped:true} without reaching the dispatcher. No PONG
// interaction response is sent.
func (c *DiscordChannel) Translate(r *http.Request, body []byte) (*TaskRequest, error) {
	var interaction discordInteraction
	if err := json.Unmarshal(body, &interaction); err != nil {
		return nil, fmt.Errorf("decode discord interaction: %w", err)
	}
	if interaction.Type == discordPingType {
		return nil, nil
	}
	if interaction.Data == nil || len(interaction.Data.Options) == 0 {
		return nil, nil
	}

	message := interaction.Data.Options[0].Value
	sessionID := "discord-" + interaction.ChannelID
	meta, err := json.Marshal(map[string]any{"channel_id": interaction.ChannelID})
	if err != nil {
		return nil, fmt.Errorf("marshal discord channel meta: %w", err)
	}
	return &TaskRequest{
		SessionID:   sessionID,
		ChannelMeta: string(meta),
		Message:     message,
	}, nil
}

// Deliver posts the task result as a channel message (spec §12.5).
func (c *DiscordChannel) Deliver(snapshot TaskSnapshot) error {
	var meta struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal([]byte(snapshot.ChannelMeta), &meta); err != nil {
		return fmt.Errorf("decode discord channel meta: %w", err)
	}

	text := snapshot.Result
	if snapshot.Status == store.TaskFailed {
		text = "Task failed: " + snapshot.Error
	}
	if text == "" {
		return nil
	}

	_, err := c.session.ChannelMessageSend(meta.ChannelID, text)
	if err != nil {
		return fmt.Errorf("send discord reply: %w", err)
	}
	return nil
}

