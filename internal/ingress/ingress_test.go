package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentplane/control/internal/bus"
	"github.com/agentplane/control/internal/channels"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/driver"
	"github.com/agentplane/control/internal/ingress"
	"github.com/agentplane/control/internal/store"
	"github.com/agentplane/control/internal/workerclient"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "control.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeDriver struct{ url string }

func (f *fakeDriver) Acquire(ctx context.Context, sessionID string) (driver.Endpoint, error) {
	return driver.Endpoint{URL: f.url}, nil
}
func (f *fakeDriver) Release(ctx context.Context, sessionID string) error { return nil }
func (f *fakeDriver) Close() error                                       { return nil }

func newWorkerServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "event: text\ndata: {\"content\":\"hi there\"}\n\nevent: done\ndata: {}\n\n")
		case "/cancel":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func openTestStoreWithBus(t *testing.T) (*store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "control.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

func newTestServer(t *testing.T, st *store.Store, workerURL string) *ingress.Server {
	t.Helper()
	reg := channels.NewRegistry()
	reg.Register(channels.NewDuplexChannel())
	reg.Register(channels.NewWebhookChannel(channels.WebhookConfig{Type: "webhook-demo"}))

	d := dispatcher.New(st, &fakeDriver{url: workerURL}, workerclient.New(nil), nil, nil)
	return &ingress.Server{
		Store:      st,
		Registry:   reg,
		Dispatcher: d,
		Driver:     &fakeDriver{url: workerURL},
		Worker:     workerclient.New(nil),
		Version:    "test",
	}
}

func TestHealthEndpoint(t *testing.T) {
	st := openTestStore(t)
	srv := newTestServer(t, st, "")
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestSessionCRUD(t *testing.T) {
	st := openTestStore(t)
	r := newTestServer(t, st, "").Router()

	createBody, _ := json.Marshal(map[string]string{"channel_type": "webhook-demo", "title": "first"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sess store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a generated session id")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: expected 200, got %d", rec.Code)
	}

	patchBody, _ := json.Marshal(map[string]string{"title": "renamed"})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/sessions/"+sess.ID, bytes.NewReader(patchBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("patch session: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sess.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete session: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestWebhookUnknownChannelReturns404(t *testing.T) {
	st := openTestStore(t)
	r := newTestServer(t, st, "").Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/channel/nonexistent/webhook", bytes.NewReader([]byte(`{}`))))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookMalformedBodyReturnsWrappedBadRequest(t *testing.T) {
	st := openTestStore(t)
	r := newTestServer(t, st, "").Router()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/channel/webhook-demo/webhook", bytes.NewReader([]byte(`not json`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body.Error, "bad request") {
		t.Fatalf("expected the response to surface the wrapped dispatcher.ErrBadRequest, got %q", body.Error)
	}
}

func TestWebhookHappyPathAcceptsAndCompletesTask(t *testing.T) {
	worker := newWorkerServer()
	defer worker.Close()

	st := openTestStore(t)
	r := newTestServer(t, st, worker.URL).Router()

	payload, _ := json.Marshal(map[string]any{"session_id": "sess-webhook", "message": "hello"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/channel/webhook-demo/webhook", bytes.NewReader(payload)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode accepted body: %v", err)
	}
	if accepted.TaskID == "" {
		t.Fatalf("expected a task id in the accepted response")
	}

	deadline := time.Now().Add(2 * time.Second)
	var task *store.Task
	for time.Now().Before(deadline) {
		got, err := st.GetTask(context.Background(), accepted.TaskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status.Terminal() {
			task = got
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if task == nil {
		t.Fatalf("task did not reach a terminal status in time")
	}
	if task.Status != store.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Result != "hi there" {
		t.Fatalf("expected result %q, got %q", "hi there", task.Result)
	}
}

func TestGetTaskLogsDefaultsToFullHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "sess-logs", "webhook-demo", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook-demo", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.AppendLog(ctx, task.ID, "text", fmt.Sprintf("chunk-%d", i), ""); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	r := newTestServer(t, st, "").Router()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs    []store.TaskLogEntry `json:"logs"`
		HasMore bool                 `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode logs response: %v", err)
	}
	if len(body.Logs) != 3 {
		t.Fatalf("expected all 3 log entries including seq=0, got %d", len(body.Logs))
	}
	if body.Logs[0].Seq != 0 {
		t.Fatalf("expected first entry to be seq 0, got %d", body.Logs[0].Seq)
	}
}

func TestGetTaskLogsExplicitAfterZeroMatchesDefault(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "sess-logs-explicit", "webhook-demo", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook-demo", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.AppendLog(ctx, task.ID, "text", fmt.Sprintf("chunk-%d", i), ""); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	r := newTestServer(t, st, "").Router()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/logs?after=0&limit=50", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs    []store.TaskLogEntry `json:"logs"`
		HasMore bool                 `json:"hasMore"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode logs response: %v", err)
	}
	if len(body.Logs) != 3 {
		t.Fatalf("expected explicit after=0 to include all 3 entries like the default, got %d", len(body.Logs))
	}
	if body.Logs[0].Seq != 0 {
		t.Fatalf("expected first entry to be seq 0, got %d", body.Logs[0].Seq)
	}
}

func TestTaskStreamForwardsLiveLogAppendedEventsAndClosesOnDone(t *testing.T) {
	st, b := openTestStoreWithBus(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "sess-stream", "webhook-demo", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook-demo", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	reg := channels.NewRegistry()
	reg.Register(channels.NewWebhookChannel(channels.WebhookConfig{Type: "webhook-demo"}))
	srv := &ingress.Server{
		Store:      st,
		Registry:   reg,
		Dispatcher: dispatcher.New(st, &fakeDriver{}, workerclient.New(nil), nil, nil),
		Driver:     &fakeDriver{},
		Worker:     workerclient.New(nil),
		Bus:        b,
		Version:    "test",
	}
	r := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/stream", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to subscribe before publishing, mirroring the
	// same subscribe-then-publish ordering a real SSE client relies on.
	time.Sleep(50 * time.Millisecond)
	if _, err := st.AppendLog(ctx, task.ID, "text", "hello", ""); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if _, err := st.AppendLog(ctx, task.ID, "done", "", ""); err != nil {
		t.Fatalf("append done log: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream handler to return after the done event")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !bytes.Contains([]byte(body), []byte(`"content":"hello"`)) {
		t.Fatalf("expected forwarded text event in stream body, got %q", body)
	}
	if !bytes.Contains([]byte(body), []byte(`"type":"done"`)) {
		t.Fatalf("expected done event in stream body, got %q", body)
	}
}

func TestTaskStreamReturns503WithoutBus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "sess-nobus", "webhook-demo", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook-demo", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	r := newTestServer(t, st, "").Router()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a configured bus, got %d", rec.Code)
	}
}

func TestCancelPendingTaskDoesNotContactWorker(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, "sess-cancel", "webhook-demo", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	task, err := st.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook-demo", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	r := newTestServer(t, st, "").Router()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	final, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != store.TaskCanceled {
		t.Fatalf("expected canceled, got %s", final.Status)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double-cancel, got %d", rec.Code)
	}
}
