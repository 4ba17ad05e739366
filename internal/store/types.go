package store

import "time"

// TaskStatus is the lifecycle state of a Task (spec §3).
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCanceled      TaskStatus = "canceled"
)

// Terminal reports whether s is one of the terminal states a Task never
// leaves once entered.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Skill is a named capability bundle injected into the worker's workspace
// before a task runs (glossary: Skill).
type Skill struct {
	Name  string            `json:"name"`
	Files map[string]string `json:"files,omitempty"`
}

// BridgeConfig is a declarative descriptor of an external tool bridge made
// available to the agent at runtime (glossary: Tool-bridge config).
type BridgeConfig struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// PushNotification is the optional outbound-callback descriptor attached to
// a task (spec §3, §4.7).
type PushNotification struct {
	URL        string   `json:"url"`
	AuthHeader string   `json:"auth_header,omitempty"`
	Events     []string `json:"events,omitempty"`
}

// Session is a persistent execution context shared by multiple tasks,
// mapping to exactly one worker instance at the Driver level (spec §3).
type Session struct {
	ID          string    `json:"id"`
	ChannelType string    `json:"channel_type"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
}

// Task is one request-response execution (spec §3).
type Task struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	ChannelType     string             `json:"channel_type"`
	ChannelMeta     string             `json:"channel_meta,omitempty"` // opaque JSON blob
	Status          TaskStatus         `json:"status"`
	Message         string             `json:"message"`
	Skills          []Skill            `json:"skills,omitempty"`
	BridgeConfigs   []BridgeConfig     `json:"bridge_configs,omitempty"`
	Push            *PushNotification  `json:"push_notification,omitempty"`
	Result          string             `json:"result,omitempty"`
	StructuredOut   string             `json:"structured_output,omitempty"` // opaque JSON blob
	Error           string             `json:"error,omitempty"`
	CostUSD         float64            `json:"cost_usd,omitempty"`
	Turns           int                `json:"turns,omitempty"`
	DurationMillis  int64              `json:"duration_ms,omitempty"`
	WorkerID        string             `json:"worker_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
}

// TaskUpdate is a partial field update applied to a Task (spec §4.1
// update_task). Nil fields are left untouched.
type TaskUpdate struct {
	Status         *TaskStatus
	Result         *string
	StructuredOut  *string
	Error          *string
	CostUSD        *float64
	Turns          *int
	DurationMillis *int64
	WorkerID       *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// TaskLogEntry is a single streamed event for a task (spec §3).
type TaskLogEntry struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"` // opaque JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// Schedule is a recurring task template fired by the cron scheduler
// (SPEC_FULL §12.1 — supplemented feature, not present in the distilled spec).
type Schedule struct {
	ID            string
	SessionID     string
	Name          string
	CronExpr      string
	Message       string
	Skills        []Skill
	BridgeConfigs []BridgeConfig
	NextRunAt     time.Time
	LastRunAt     *time.Time
	CreatedAt     time.Time
}
