// Package relay exposes the scheduler over a websocket endpoint so
// observers can watch task progress live and issue pause/resume/cancel
// and limit changes without polling.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/skysync/internal/store"
	"github.com/alexjbarnes/skysync/internal/task"
)

// Controller is the scheduler surface the relay drives.
// *task.Scheduler satisfies it.
type Controller interface {
	List() []task.Task
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Acknowledge(id string) error
	Limits() store.Limits
	SetLimits(l store.Limits) error
	Subscribe() (<-chan task.Event, func())
}

// Server serves the websocket status endpoint. Credentials are bcrypt
// hashed at construction so plain passwords never sit in memory past
// startup.
type Server struct {
	ctrl   Controller
	users  map[string][]byte
	logger *slog.Logger
}

// NewServer hashes the given username -> password map and returns a
// relay for ctrl.
func NewServer(ctrl Controller, users map[string]string, logger *slog.Logger) (*Server, error) {
	hashed := make(map[string][]byte, len(users))

	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %s: %w", username, err)
		}

		hashed[username] = hash
	}

	return &Server{ctrl: ctrl, users: hashed, logger: logger}, nil
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/ws", s.requireAuth(http.HandlerFunc(s.handleWS)))

	return mux
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="skysync"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)

			return
		}

		hash, found := s.users[username]
		if !found || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
			s.logger.Warn("rejected relay credentials", "user", username, "remote", r.RemoteAddr)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// taskJSON is the wire shape of a task.
type taskJSON struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	DisplayName string  `json:"displayName"`
	AccountID   string  `json:"accountId"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	Error       string  `json:"error,omitempty"`
}

func toWire(t task.Task) taskJSON {
	return taskJSON{
		ID:          t.ID,
		Kind:        string(t.Kind),
		DisplayName: t.DisplayName,
		AccountID:   t.AccountID,
		Status:      string(t.Status),
		Progress:    t.Progress,
		Error:       t.Err,
	}
}

// session is one connected observer.
type session struct {
	conn *websocket.Conn

	// Serializes frames: the event pump and command replies write
	// concurrently.
	mu sync.Mutex
}

func (c *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess := &session{conn: conn}

	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()

	events, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// Snapshot first so the observer starts from a consistent view;
	// everything after arrives as incremental task events.
	if err := sess.writeJSON(ctx, s.snapshot()); err != nil {
		return
	}

	go func() {
		for ev := range events {
			if err := sess.writeJSON(ctx, map[string]any{
				"op":   "task",
				"task": toWire(ev.Task),
			}); err != nil {
				return
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		s.dispatch(ctx, sess, data)
	}
}

func (s *Server) snapshot() map[string]any {
	tasks := s.ctrl.List()
	wire := make([]taskJSON, 0, len(tasks))

	for _, t := range tasks {
		wire = append(wire, toWire(t))
	}

	limits := s.ctrl.Limits()

	return map[string]any{
		"op":     "snapshot",
		"tasks":  wire,
		"limits": limitsWire(limits),
	}
}

func limitsWire(l store.Limits) map[string]int {
	return map[string]int{
		"max_tasks":       l.MaxTasks,
		"max_accounts":    l.MaxAccounts,
		"max_per_account": l.MaxPerAccount,
	}
}

// dispatch handles one inbound control frame. Replies carry the
// original op so callers can correlate.
func (s *Server) dispatch(ctx context.Context, sess *session, data []byte) {
	op := gjson.GetBytes(data, "op").Str
	id := gjson.GetBytes(data, "id").Str

	var err error

	switch op {
	case "ping":
		_ = sess.writeJSON(ctx, map[string]string{"op": "pong"})
		return

	case "list":
		_ = sess.writeJSON(ctx, s.snapshot())
		return

	case "limits":
		_ = sess.writeJSON(ctx, map[string]any{
			"op":     "limits",
			"limits": limitsWire(s.ctrl.Limits()),
		})

		return

	case "set_limits":
		err = s.ctrl.SetLimits(store.Limits{
			MaxTasks:      int(gjson.GetBytes(data, "max_tasks").Int()),
			MaxAccounts:   int(gjson.GetBytes(data, "max_accounts").Int()),
			MaxPerAccount: int(gjson.GetBytes(data, "max_per_account").Int()),
		})

	case "pause":
		err = s.ctrl.Pause(id)

	case "resume":
		err = s.ctrl.Resume(id)

	case "cancel":
		err = s.ctrl.Cancel(id)

	case "acknowledge":
		err = s.ctrl.Acknowledge(id)

	default:
		err = fmt.Errorf("unknown op %q", op)
	}

	if err != nil {
		s.logger.Debug("relay command failed", "op", op, "id", id, "error", err)
		_ = sess.writeJSON(ctx, map[string]string{"op": "error", "for": op, "message": err.Error()})

		return
	}

	_ = sess.writeJSON(ctx, map[string]string{"op": "ok", "for": op})
}
