// Package channels implements the Channel Registry (C4): a map from
// channel-type string to a small record of function references rather
// than a class hierarchy, per the polymorphic-channel design note.
package channels

import (
	"net/http"

	"github.com/agentplane/control/internal/store"
)

// TaskRequest is the unified shape a Channel's Translate produces from a
// channel-specific inbound payload.
type TaskRequest struct {
	SessionID     string
	ChannelMeta   string // opaque JSON blob passed through to the task
	Message       string
	Skills        []store.Skill
	BridgeConfigs []store.BridgeConfig
	Push          *store.PushNotification
}

// TaskSnapshot is what Deliver and push notifications receive once a task
// reaches a terminal state.
type TaskSnapshot struct {
	TaskID      string
	Status      store.TaskStatus
	Result      string
	Error       string
	ChannelMeta string
}

// Channel is a named ingress capability: verify + translate + optionally
// deliver, with declared default skills and bridge configs (spec §4.4,
// §9 "Replace class hierarchies with ... a small record of function
// references"). Implementations are registered by Type() in a Registry.
type Channel interface {
	// Type returns the channel's unique registry key.
	Type() string

	// Defaults returns the ordered default skill names and bridge configs
	// merged ahead of any request-supplied ones.
	Defaults() ([]store.Skill, []store.BridgeConfig)

	// Verify checks a signature/auth over the raw inbound request. The
	// interactive-duplex channel is verified by connection acceptance and
	// always returns true here.
	Verify(r *http.Request, body []byte) bool

	// Translate maps a channel-specific payload into a TaskRequest.
	// Returning (nil, nil) means "ignore this request" (e.g. an unknown
	// event type), which callers must treat as success, not error.
	Translate(r *http.Request, body []byte) (*TaskRequest, error)

	// Deliver is invoked at most once per task, after it reaches terminal
	// state, if the channel implements platform-specific delivery. A
	// channel with no delivery side effect returns nil unconditionally.
	Deliver(snapshot TaskSnapshot) error
}

// MergeDefaults prepends a channel's default skills/bridge configs ahead
// of the request-supplied ones: defaults ⧺ requested, plain concatenation
// with no deduplication, preserving relative order within each list so
// repeated merges of the same request are idempotent when the request
// itself is empty (spec §8 property #5). A caller that requests a skill
// or bridge already present in the channel's defaults gets both entries
// back rather than having its own config silently dropped.
func MergeDefaults(defaultSkills []store.Skill, defaultBridges []store.BridgeConfig, req *TaskRequest) {
	req.Skills = mergeSkills(defaultSkills, req.Skills)
	req.BridgeConfigs = mergeBridges(defaultBridges, req.BridgeConfigs)
}

func mergeSkills(defaults, requested []store.Skill) []store.Skill {
	out := make([]store.Skill, 0, len(defaults)+len(requested))
	out = append(out, defaults...)
	out = append(out, requested...)
	return out
}

func mergeBridges(defaults, requested []store.BridgeConfig) []store.BridgeConfig {
	out := make([]store.BridgeConfig, 0, len(defaults)+len(requested))
	out = append(out, defaults...)
	out = append(out, requested...)
	return out
}

// Registry is a process-wide, initialize-once-at-startup map from
// channel-type string to Channel (spec §9 "Global mutable state").
type Registry struct {
	channels map[string]Channel
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any existing registration for the
// same Type().
func (r *Registry) Register(c Channel) {
	r.channels[c.Type()] = c
}

// Lookup returns the channel registered for typ, or (nil, false).
func (r *Registry) Lookup(typ string) (Channel, bool) {
	c, ok := r.channels[typ]
	return c, ok
}

// Types returns every registered channel-type string.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.channels))
	for t := range r.channels {
		out = append(out, t)
	}
	return out
}
