package channels

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentplane/control/internal/store"
)

// DuplexChannel is the interactive channel backing the browser websocket
// ingress (spec §4.6). It has no default skills or bridge configs and no
// platform delivery side effect: the browser peer *is* the live subscriber,
// so there is nothing further to deliver to once the task completes.
type DuplexChannel struct{}

// NewDuplexChannel returns the always-registered interactive channel.
func NewDuplexChannel() *DuplexChannel { return &DuplexChannel{} }

func (c *DuplexChannel) Type() string { return "duplex" }

func (c *DuplexChannel) Defaults() ([]store.Skill, []store.BridgeConfig) {
	return nil, nil
}

// Verify is assumed satisfied by connection acceptance for interactive
// ingress (spec §4.4).
func (c *DuplexChannel) Verify(r *http.Request, body []byte) bool {
	return true
}

// InboundFrame is the shape of a duplex-ingress inbound JSON frame
// (spec §6.2).
type InboundFrame struct {
	Type          string               `json:"type"`
	SessionID     string               `json:"session_id,omitempty"`
	Message       string               `json:"message,omitempty"`
	Skills        []store.Skill        `json:"skills,omitempty"`
	BridgeConfigs []store.BridgeConfig `json:"bridge_configs,omitempty"`
}

// Translate decodes a duplex inbound frame. Non-chat frames (e.g. "ping")
// translate to (nil, nil): the ingress handler answers them directly and
// never reaches the dispatcher.
func (c *DuplexChannel) Translate(r *http.Request, body []byte) (*TaskRequest, error) {
	var frame InboundFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("decode duplex frame: %w", err)
	}
	if frame.Type != "chat" {
		return nil, nil
	}
	return &TaskRequest{
		SessionID:     frame.SessionID,
		Message:       frame.Message,
		Skills:        frame.Skills,
		BridgeConfigs: frame.BridgeConfigs,
	}, nil
}

func (c *DuplexChannel) Deliver(snapshot TaskSnapshot) error {
	return nil
}
