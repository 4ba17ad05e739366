// Package dispatcher implements the Dispatcher (C5): given a pending task
// and the channel that produced it, it acquires a worker, drives the
// prepare/chat/stream cycle, persists and forwards every framed event in
// order, and finally hands the terminal task off to channel delivery and
// push notification.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/driver"
	otelpkg "github.com/agentplane/control/internal/otel"
	"github.com/agentplane/control/internal/shared"
	"github.com/agentplane/control/internal/store"
	"github.com/agentplane/control/internal/workerclient"
)

const pushTimeout = 10 * time.Second

// Dispatcher wires together the Store, Driver and Worker Client to run a
// single task to completion.
type Dispatcher struct {
	store      *store.Store
	driver     driver.Driver
	worker     *workerclient.Client
	httpClient *http.Client
	logger     *slog.Logger

	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// New returns a Dispatcher. httpClient is used for push notifications; a
// nil value falls back to http.DefaultClient.
func New(st *store.Store, drv driver.Driver, worker *workerclient.Client, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		driver:     drv,
		worker:     worker,
		httpClient: httpClient,
		logger:     logger,
		tracer:     nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName),
	}
}

// SetTelemetry attaches a tracer and metrics instruments produced by
// otel.Init/otel.NewMetrics. Both are optional; a Dispatcher built with
// New alone runs with a no-op tracer and no metrics.
func (d *Dispatcher) SetTelemetry(tracer trace.Tracer, metrics *otelpkg.Metrics) {
	if tracer != nil {
		d.tracer = tracer
	}
	d.metrics = metrics
}

// Run drives task through acquire/prepare/chat/fan-out to a terminal
// status, then delivery and push. sub may be nil (e.g. webhook-originated
// tasks have no live subscriber). Any error returned has already been
// recorded on the task and announced to sub; callers only need it for
// logging.
func (d *Dispatcher) Run(ctx context.Context, task *store.Task, ch channels.Channel, sub Subscriber) error {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSessionID(ctx, task.SessionID)
	if err := d.run(ctx, task, ch, sub); err != nil {
		d.failTask(ctx, task.ID, sub, err)
		return err
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, task *store.Task, ch channels.Channel, sub Subscriber) error {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSessionID(ctx, task.SessionID)

	ctx, span := otelpkg.StartSpan(ctx, d.tracer, "dispatcher.run",
		otelpkg.AttrTaskID.String(task.ID),
		otelpkg.AttrSessionID.String(task.SessionID),
	)
	defer span.End()

	runStart := time.Now()
	if d.metrics != nil {
		d.metrics.TasksActive.Add(ctx, 1)
		defer func() {
			d.metrics.TasksActive.Add(ctx, -1)
			d.metrics.TaskDuration.Record(ctx, time.Since(runStart).Seconds())
		}()
	}

	acquireStart := time.Now()
	ep, err := d.driver.Acquire(ctx, task.SessionID)
	if d.metrics != nil {
		d.metrics.DriverAcquireTime.Record(ctx, time.Since(acquireStart).Seconds())
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.DriverAcquireError.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	workerID := ep.ContainerID
	if workerID == "" {
		workerID = ep.URL
	}
	ctx = shared.WithWorkerID(ctx, workerID)
	startedAt := time.Now().UTC()
	running := store.TaskRunning
	if _, err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:    &running,
		WorkerID:  &workerID,
		StartedAt: &startedAt,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalTask) {
			// Already canceled (or otherwise terminal) before the worker
			// could be engaged; nothing left to run.
			return fmt.Errorf("%w: task reached terminal state before run", ErrCanceled)
		}
		return fmt.Errorf("%w: %v", ErrPersistError, err)
	}

	if len(task.Skills) > 0 || len(task.BridgeConfigs) > 0 {
		if err := d.worker.Prepare(ctx, ep, task.ID, toWorkerSkills(task.Skills), toWorkerBridges(task.BridgeConfigs)); err != nil {
			return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
		}
	}

	stream, err := d.worker.Chat(ctx, ep, task.SessionID, task.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamError, err)
	}
	defer stream.Close()

	terminalReached, accumulated, err := d.fanOut(ctx, task, sub, stream)
	if err != nil {
		return err
	}

	if !terminalReached {
		// Stream-end fallback (spec §4.5 step 6): the worker closed the
		// connection without an explicit terminal event.
		if err := d.completeWithAccumulated(ctx, task.ID, accumulated, nil); err != nil {
			return err
		}
	}

	final, err := d.store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistError, err)
	}

	span.SetAttributes(otelpkg.AttrTaskStatus.String(string(final.Status)))
	if d.metrics != nil {
		d.metrics.TaskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(final.Status))))
	}

	if final.Status == store.TaskCompleted && ch != nil {
		if err := ch.Deliver(channels.TaskSnapshot{
			TaskID:      final.ID,
			Status:      final.Status,
			Result:      final.Result,
			Error:       final.Error,
			ChannelMeta: final.ChannelMeta,
		}); err != nil {
			d.logger.Warn("channel delivery failed",
				"task_id", final.ID, "worker_id", shared.WorkerID(ctx), "channel", ch.Type(),
				"error", fmt.Errorf("%w: %v", ErrDeliverError, err))
		}
	}

	d.push(final)

	return nil
}

// fanOut reads every framed event from stream in order, persisting and
// forwarding each one, until the stream closes. It reports whether an
// explicit terminal event (done/error) was observed, so the caller knows
// whether the stream-end fallback applies, along with the accumulated text.
func (d *Dispatcher) fanOut(ctx context.Context, task *store.Task, sub Subscriber, stream *workerclient.Stream) (bool, string, error) {
	var textBuf strings.Builder
	terminalReached := false

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, workerclient.ErrStreamClosed) {
				return terminalReached, textBuf.String(), nil
			}
			return terminalReached, textBuf.String(), fmt.Errorf("%w: %v", ErrStreamError, err)
		}

		entry, err := d.store.AppendLog(ctx, task.ID, string(ev.Type), ev.Content, string(ev.Metadata))
		if err != nil {
			return terminalReached, textBuf.String(), fmt.Errorf("%w: %v", ErrPersistError, err)
		}
		if d.metrics != nil {
			d.metrics.StreamEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", entry.Type)))
		}

		if sub != nil && !sub.Closed() {
			sub.Send(OutboundFrame{
				Type:      entry.Type,
				Content:   entry.Content,
				SessionID: task.SessionID,
				Metadata:  entry.Metadata,
			})
		}

		if ev.Type == workerclient.EventText {
			textBuf.WriteString(ev.Content)
		}

		// Terminal events apply exactly one status transition each,
		// regardless of how many trailing events the worker still sends
		// (spec §8 property #4): once a task is terminal, UpdateTask's
		// guard turns every further attempt into a harmless ErrTerminalTask.
		switch ev.Type {
		case workerclient.EventDone:
			terminalReached = true
			if err := d.completeWithAccumulated(ctx, task.ID, textBuf.String(), ev.Metadata); err != nil {
				return terminalReached, textBuf.String(), err
			}
		case workerclient.EventError:
			terminalReached = true
			if err := d.failWithMessage(ctx, task.ID, ev.Content); err != nil {
				return terminalReached, textBuf.String(), err
			}
		}
	}
}

// doneMetadata mirrors the worker's "done" event metadata shape (execution
// stats reported by the underlying agent run).
type doneMetadata struct {
	CostUSD    *float64 `json:"cost_usd"`
	NumTurns   *int     `json:"num_turns"`
	DurationMs *int64   `json:"duration_ms"`
}

func (d *Dispatcher) completeWithAccumulated(ctx context.Context, taskID, text string, metadata json.RawMessage) error {
	completed := store.TaskCompleted
	var resultPtr *string
	if text != "" {
		resultPtr = &text
	}

	update := store.TaskUpdate{Status: &completed, Result: resultPtr}
	if len(metadata) > 0 {
		var meta doneMetadata
		if err := json.Unmarshal(metadata, &meta); err == nil {
			update.CostUSD = meta.CostUSD
			update.Turns = meta.NumTurns
			update.DurationMillis = meta.DurationMs
		}
	}

	_, err := d.store.UpdateTask(ctx, taskID, update)
	if err != nil && !errors.Is(err, store.ErrTerminalTask) {
		return fmt.Errorf("%w: %v", ErrPersistError, err)
	}
	return nil
}

func (d *Dispatcher) failWithMessage(ctx context.Context, taskID, message string) error {
	failed := store.TaskFailed
	_, err := d.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &failed, Error: &message})
	if err != nil && !errors.Is(err, store.ErrTerminalTask) {
		return fmt.Errorf("%w: %v", ErrPersistError, err)
	}
	return nil
}

// failTask handles the top-level catch for any error raised during steps
// 1-5: the task becomes failed, and a live subscriber gets a synthetic
// error+done pair. Delivery and push are never attempted on this path
// (spec §4.5, §7).
func (d *Dispatcher) failTask(ctx context.Context, taskID string, sub Subscriber, cause error) {
	message := cause.Error()
	if err := d.failWithMessage(ctx, taskID, message); err != nil {
		d.logger.Error("failed to persist task failure",
			"task_id", shared.TaskID(ctx), "session_id", shared.SessionID(ctx), "error", err)
	}
	if sub != nil && !sub.Closed() {
		sub.Send(OutboundFrame{Type: "error", Content: message})
		sub.Send(OutboundFrame{Type: "done"})
	}
}

// push fires the task's configured push notification, if any: exactly
// once, best effort, bounded (spec §4.5 step 8, §4.7). Failures are
// logged, never propagated to task status.
func (d *Dispatcher) push(task *store.Task) {
	if task.Push == nil || task.Push.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	pushStart := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.PushDuration.Record(ctx, time.Since(pushStart).Seconds())
		}
	}()

	body, err := json.Marshal(map[string]any{
		"taskId":    task.ID,
		"sessionId": task.SessionID,
		"status":    task.Status,
		"result":    task.Result,
		"error":     task.Error,
	})
	if err != nil {
		d.logger.Warn("failed to marshal push notification body", "task_id", task.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Push.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("failed to build push notification request", "task_id", task.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if task.Push.AuthHeader != "" {
		req.Header.Set("Authorization", task.Push.AuthHeader)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if d.metrics != nil {
			d.metrics.PushErrors.Add(ctx, 1)
		}
		d.logger.Warn("push notification failed", "task_id", task.ID, "error", fmt.Errorf("%w: %v", ErrPushError, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if d.metrics != nil {
			d.metrics.PushErrors.Add(ctx, 1)
		}
		d.logger.Warn("push notification rejected", "task_id", task.ID, "status", resp.StatusCode,
			"error", fmt.Errorf("%w: status %d", ErrPushError, resp.StatusCode))
	}
}

func toWorkerSkills(skills []store.Skill) []workerclient.Skill {
	out := make([]workerclient.Skill, 0, len(skills))
	for _, s := range skills {
		out = append(out, workerclient.Skill{Name: s.Name, Files: s.Files})
	}
	return out
}

func toWorkerBridges(bridges []store.BridgeConfig) []workerclient.BridgeConfig {
	out := make([]workerclient.BridgeConfig, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, workerclient.BridgeConfig{Name: b.Name, Config: b.Config})
	}
	return out
}
