package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/skysync/internal/store"
	"github.com/alexjbarnes/skysync/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubController struct {
	mu        sync.Mutex
	tasks     []task.Task
	limits    store.Limits
	setLimits []store.Limits
	paused    []string
	resumed   []string
	cancelled []string
	acked     []string
	setErr    error

	events chan task.Event
}

func newStubController() *stubController {
	return &stubController{
		limits: store.DefaultLimits(),
		events: make(chan task.Event, 8),
	}
}

func (c *stubController) List() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]task.Task(nil), c.tasks...)
}

func (c *stubController) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = append(c.paused, id)

	return nil
}

func (c *stubController) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resumed = append(c.resumed, id)

	return nil
}

func (c *stubController) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = append(c.cancelled, id)

	return nil
}

func (c *stubController) Acknowledge(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acked = append(c.acked, id)

	return nil
}

func (c *stubController) Limits() store.Limits {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.limits
}

func (c *stubController) SetLimits(l store.Limits) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setErr != nil {
		return c.setErr
	}

	c.setLimits = append(c.setLimits, l)
	c.limits = l

	return nil
}

func (c *stubController) Subscribe() (<-chan task.Event, func()) {
	return c.events, func() {}
}

func startRelay(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()

	s, err := NewServer(ctrl, map[string]string{"alex": "hunter2"}, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return srv
}

func dialRelay(t *testing.T, ctx context.Context, srv *httptest.Server, user, pass string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)

	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) []byte {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	return data
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, payload string) {
	t.Helper()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(payload)))
}

func TestRelay_Healthz(t *testing.T) {
	srv := startRelay(t, newStubController())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelay_RejectsMissingAuth(t *testing.T) {
	srv := startRelay(t, newStubController())

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_RejectsBadPassword(t *testing.T) {
	srv := startRelay(t, newStubController())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alex", "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_SnapshotOnConnect(t *testing.T) {
	ctrl := newStubController()
	ctrl.tasks = []task.Task{{
		ID:          "t1",
		Kind:        task.KindUpload,
		DisplayName: "a.txt",
		AccountID:   "acct",
		Status:      task.StatusRunning,
		Progress:    0.5,
	}}

	srv := startRelay(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "snapshot", gjson.GetBytes(frame, "op").Str)
	assert.Equal(t, "t1", gjson.GetBytes(frame, "tasks.0.id").Str)
	assert.Equal(t, "upload", gjson.GetBytes(frame, "tasks.0.kind").Str)
	assert.Equal(t, 0.5, gjson.GetBytes(frame, "tasks.0.progress").Float())
	assert.Equal(t, int64(store.DefaultMaxTasks), gjson.GetBytes(frame, "limits.max_tasks").Int())
}

func TestRelay_StreamsEvents(t *testing.T) {
	ctrl := newStubController()
	srv := startRelay(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	ctrl.events <- task.Event{Task: task.Task{ID: "t2", Status: task.StatusCompleted, Progress: 1}}

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "task", gjson.GetBytes(frame, "op").Str)
	assert.Equal(t, "t2", gjson.GetBytes(frame, "task.id").Str)
	assert.Equal(t, "completed", gjson.GetBytes(frame, "task.status").Str)
}

func TestRelay_Commands(t *testing.T) {
	ctrl := newStubController()
	srv := startRelay(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	send(t, ctx, conn, `{"op":"pause","id":"t1"}`)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "ok", gjson.GetBytes(frame, "op").Str)
	assert.Equal(t, "pause", gjson.GetBytes(frame, "for").Str)

	send(t, ctx, conn, `{"op":"resume","id":"t1"}`)
	readFrame(t, ctx, conn)

	send(t, ctx, conn, `{"op":"cancel","id":"t2"}`)
	readFrame(t, ctx, conn)

	send(t, ctx, conn, `{"op":"acknowledge","id":"t3"}`)
	readFrame(t, ctx, conn)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []string{"t1"}, ctrl.paused)
	assert.Equal(t, []string{"t1"}, ctrl.resumed)
	assert.Equal(t, []string{"t2"}, ctrl.cancelled)
	assert.Equal(t, []string{"t3"}, ctrl.acked)
}

func TestRelay_SetLimits(t *testing.T) {
	ctrl := newStubController()
	srv := startRelay(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	send(t, ctx, conn, `{"op":"set_limits","max_tasks":8,"max_accounts":4,"max_per_account":3}`)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "ok", gjson.GetBytes(frame, "op").Str)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.setLimits, 1)
	assert.Equal(t, store.Limits{MaxTasks: 8, MaxAccounts: 4, MaxPerAccount: 3}, ctrl.setLimits[0])
}

func TestRelay_SetLimitsError(t *testing.T) {
	ctrl := newStubController()
	ctrl.setErr = assert.AnError
	srv := startRelay(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	send(t, ctx, conn, `{"op":"set_limits","max_tasks":0}`)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "error", gjson.GetBytes(frame, "op").Str)
	assert.Equal(t, "set_limits", gjson.GetBytes(frame, "for").Str)
}

func TestRelay_UnknownOp(t *testing.T) {
	srv := startRelay(t, newStubController())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	send(t, ctx, conn, `{"op":"explode"}`)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "error", gjson.GetBytes(frame, "op").Str)
	assert.Contains(t, gjson.GetBytes(frame, "message").Str, "unknown op")
}

func TestRelay_Ping(t *testing.T) {
	srv := startRelay(t, newStubController())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, srv, "alex", "hunter2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readFrame(t, ctx, conn) // snapshot

	send(t, ctx, conn, `{"op":"ping"}`)

	frame := readFrame(t, ctx, conn)
	assert.Equal(t, "pong", gjson.GetBytes(frame, "op").Str)
}
