package channels

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentplane/control/internal/store"
)

// WebhookPayload is the generic inbound shape a source-hosting or
// third-party webhook is expected to POST once mapped to the control
// plane's contract (spec §4.4, "platform webhook channels ... are optional
// extensions").
type WebhookPayload struct {
	SessionID     string               `json:"session_id"`
	ChannelMeta   json.RawMessage      `json:"channel_meta,omitempty"`
	Message       string               `json:"message"`
	Skills        []store.Skill        `json:"skills,omitempty"`
	BridgeConfigs []store.BridgeConfig `json:"bridge_configs,omitempty"`
	EventType     string               `json:"event_type,omitempty"`
}

// WebhookChannel is a generic HMAC-signed webhook ingress channel. There
// is no signature-verification library anywhere in the corpus, so
// verification is a direct crypto/hmac comparison of a shared secret
// against the request's signature header — the same shape GitHub-style
// webhook receivers use industry-wide, and not something the ecosystem
// packages as a standalone dependency.
type WebhookChannel struct {
	typeName        string
	secret          []byte
	signatureHeader string
	ignoredEvents   map[string]bool
	defaultSkills   []store.Skill
	defaultBridges  []store.BridgeConfig
	sanitizer       *bluemonday.Policy
	bridgeSchema    *jsonschema.Schema
	deliverFn       func(TaskSnapshot) error
}

// WebhookConfig configures a WebhookChannel registration.
type WebhookConfig struct {
	Type            string
	Secret          string
	SignatureHeader string // defaults to "X-Signature-256"
	IgnoredEvents   []string
	DefaultSkills   []store.Skill
	DefaultBridges  []store.BridgeConfig
	Deliver         func(TaskSnapshot) error

	// BridgeConfigSchema, if set, is a JSON Schema document that every
	// entry in the payload's bridge_configs[].config must satisfy. An
	// invalid config fails Translate rather than reaching the worker.
	BridgeConfigSchema string
}

// NewWebhookChannel builds a channel registered under cfg.Type. It panics
// only if BridgeConfigSchema is set and fails to compile — a startup-time
// configuration error, not a runtime one.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	header := cfg.SignatureHeader
	if header == "" {
		header = "X-Signature-256"
	}
	ignored := make(map[string]bool, len(cfg.IgnoredEvents))
	for _, e := range cfg.IgnoredEvents {
		ignored[e] = true
	}

	var compiled *jsonschema.Schema
	if strings.TrimSpace(cfg.BridgeConfigSchema) != "" {
		compiler := jsonschema.NewCompiler()
		resourceName := cfg.Type + "-bridge-config.json"
		res, err := jsonschema.UnmarshalJSON(strings.NewReader(cfg.BridgeConfigSchema))
		if err != nil {
			panic(fmt.Sprintf("webhook channel %q: decode bridge config schema: %v", cfg.Type, err))
		}
		if err := compiler.AddResource(resourceName, res); err != nil {
			panic(fmt.Sprintf("webhook channel %q: add bridge config schema: %v", cfg.Type, err))
		}
		compiled, err = compiler.Compile(resourceName)
		if err != nil {
			panic(fmt.Sprintf("webhook channel %q: compile bridge config schema: %v", cfg.Type, err))
		}
	}

	return &WebhookChannel{
		typeName:        cfg.Type,
		secret:          []byte(cfg.Secret),
		signatureHeader: header,
		ignoredEvents:   ignored,
		defaultSkills:   cfg.DefaultSkills,
		defaultBridges:  cfg.DefaultBridges,
		sanitizer:       bluemonday.StrictPolicy(),
		bridgeSchema:    compiled,
		deliverFn:       cfg.Deliver,
	}
}

func (c *WebhookChannel) Type() string { return c.typeName }

func (c *WebhookChannel) Defaults() ([]store.Skill, []store.BridgeConfig) {
	return c.defaultSkills, c.defaultBridges
}

// Verify computes an HMAC-SHA256 over the raw body and compares it in
// constant time against the signature header. An unconfigured secret
// always verifies true, matching a demo/no-auth webhook deployment.
func (c *WebhookChannel) Verify(r *http.Request, body []byte) bool {
	if len(c.secret) == 0 {
		return true
	}
	got := r.Header.Get(c.signatureHeader)
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// Translate decodes the webhook payload. Events named in IgnoredEvents
// translate to (nil, nil): the ingress handler answers with
// {ok:true, skipped:true} rather than dispatching a task.
func (c *WebhookChannel) Translate(r *http.Request, body []byte) (*TaskRequest, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.EventType != "" && c.ignoredEvents[payload.EventType] {
		return nil, nil
	}
	if c.bridgeSchema != nil {
		for _, bc := range payload.BridgeConfigs {
			if err := c.validateBridgeConfig(bc); err != nil {
				return nil, fmt.Errorf("bridge config %q: %w", bc.Name, err)
			}
		}
	}
	message := c.sanitizer.Sanitize(payload.Message)
	return &TaskRequest{
		SessionID:     payload.SessionID,
		ChannelMeta:   string(payload.ChannelMeta),
		Message:       message,
		Skills:        payload.Skills,
		BridgeConfigs: payload.BridgeConfigs,
	}, nil
}

// validateBridgeConfig re-marshals bc.Config and validates it against the
// configured schema. jsonschema.Validate needs decoded-JSON-shaped values
// (map[string]any/[]any/json.Number), which UnmarshalJSON produces; a plain
// map[string]any built from Go values would mismatch numeric kinds.
func (c *WebhookChannel) validateBridgeConfig(bc store.BridgeConfig) error {
	raw, err := json.Marshal(bc.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return c.bridgeSchema.Validate(inst)
}

func (c *WebhookChannel) Deliver(snapshot TaskSnapshot) error {
	if c.deliverFn == nil {
		return nil
	}
	return c.deliverFn(snapshot)
}
