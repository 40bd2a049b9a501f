package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/skysync/internal/skyerr"
	"github.com/alexjbarnes/skysync/internal/store"
	"github.com/google/uuid"
)

// subscriberBuffer is the event channel depth per subscriber. A slow
// observer drops events rather than blocking the scheduler.
const subscriberBuffer = 128

// Event is one status or progress change, pushed to subscribers.
type Event struct {
	Task Task
}

// Executor performs the I/O for one admitted task. The implementation
// must check tok at every chunk boundary and return ErrPaused or
// ErrCancelled when a signal is observed.
type Executor interface {
	Execute(ctx context.Context, t Task, tok *Token, progress func(float64)) error
}

// LimitsPersister persists limit changes. *store.Store satisfies it.
type LimitsPersister interface {
	SetLimits(store.Limits) error
}

type entry struct {
	task  Task
	token *Token
	seq   uint64
	after string
}

// Scheduler owns the operation queue. It admits pending tasks under the
// three concurrency limits, tracks per-task state and progress, and
// supports pause/resume/cancel. It is an explicitly constructed,
// injected instance with a Start/Stop lifecycle; callers hold a
// reference rather than reaching for a global.
//
// All mutations of the task table and the admission counters funnel
// through one mutex. Submission (possibly from the reconciliation
// fan-out, concurrently across siblings), user pause/resume/cancel, and
// worker completion callbacks all take it, so counter updates are never
// lost.
type Scheduler struct {
	exec    Executor
	persist LimitsPersister
	logger  *slog.Logger

	mu      sync.Mutex
	limits  store.Limits
	tasks   map[string]*entry
	seq     uint64
	subs    map[int]chan Event
	nextSub int
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler with the given limits. persist may
// be nil when limit changes should not be written anywhere (tests).
func NewScheduler(limits store.Limits, exec Executor, persist LimitsPersister, logger *slog.Logger) (*Scheduler, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		exec:    exec,
		persist: persist,
		logger:  logger,
		limits:  limits,
		tasks:   make(map[string]*entry),
		subs:    make(map[int]chan Event),
	}, nil
}

// Start makes the scheduler accept submissions and admit tasks. The
// context bounds all worker I/O.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.logger.Info("scheduler started",
		slog.Int("max_tasks", s.limits.MaxTasks),
		slog.Int("max_accounts", s.limits.MaxAccounts),
		slog.Int("max_per_account", s.limits.MaxPerAccount),
	)
}

// Stop cancels in-flight workers, waits for them to return, and closes
// all subscriber channels. The scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()
		return
	}

	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}

	s.logger.Info("scheduler stopped")
}

// Submit enqueues a new task and returns its snapshot. The task enters
// admission immediately.
func (s *Scheduler) Submit(displayName string, p Payload) (Task, error) {
	return s.submit(displayName, p, "")
}

// SubmitAfter enqueues a task that stays out of admission until the
// task with the given id reaches a terminal status. Replace pairs use
// this to run the delete of the stale item strictly before the create
// that writes the same path. An unknown or already-evicted predecessor
// blocks nothing.
func (s *Scheduler) SubmitAfter(displayName string, p Payload, afterID string) (Task, error) {
	return s.submit(displayName, p, afterID)
}

func (s *Scheduler) submit(displayName string, p Payload, afterID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return Task{}, skyerr.ErrSchedulerDown
	}

	s.seq++

	e := &entry{
		task: Task{
			ID:          uuid.NewString(),
			Kind:        p.Kind(),
			DisplayName: displayName,
			AccountID:   payloadAccount(p),
			Status:      StatusPending,
			Payload:     p,
			SubmittedAt: time.Now(),
		},
		token: &Token{},
		seq:   s.seq,
		after: afterID,
	}
	s.tasks[e.task.ID] = e

	s.publishLocked(e)
	s.admitLocked()

	return e.task, nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", skyerr.ErrTaskNotFound, id)
	}

	return e.task, nil
}

// List returns snapshots of all visible tasks in submission order.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}

	return out
}

// Pause moves a pending task to paused immediately, or signals a
// cooperative pause to a running task's worker. The running task keeps
// its status until the in-flight transfer observes the signal.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", skyerr.ErrTaskNotFound, id)
	}

	switch e.task.Status {
	case StatusPending:
		e.task.Status = StatusPaused
		s.publishLocked(e)

		return nil

	case StatusRunning:
		e.token.Pause()
		return nil

	default:
		return fmt.Errorf("%w: cannot pause %s task", skyerr.ErrBadTransition, e.task.Status)
	}
}

// Resume moves a paused task back to pending. It re-enters admission
// rather than resuming directly into running.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", skyerr.ErrTaskNotFound, id)
	}

	if e.task.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume %s task", skyerr.ErrBadTransition, e.task.Status)
	}

	e.task.Status = StatusPending
	e.token = &Token{}
	s.publishLocked(e)
	s.admitLocked()

	return nil
}

// Cancel moves a pending or paused task straight to cancelled, or
// signals a best-effort abort to a running task's worker. Cancelling a
// non-running task never touches the running-set accounting.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", skyerr.ErrTaskNotFound, id)
	}

	switch e.task.Status {
	case StatusPending, StatusPaused:
		e.task.Status = StatusCancelled
		s.publishLocked(e)

		// A cancelled predecessor may unblock a dependent.
		s.admitLocked()

		return nil

	case StatusRunning:
		e.token.Cancel()
		return nil

	default:
		return fmt.Errorf("%w: cannot cancel %s task", skyerr.ErrBadTransition, e.task.Status)
	}
}

// Acknowledge evicts a terminal task from the visible queue.
func (s *Scheduler) Acknowledge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", skyerr.ErrTaskNotFound, id)
	}

	if !e.task.Status.Terminal() {
		return fmt.Errorf("%w: cannot evict %s task", skyerr.ErrBadTransition, e.task.Status)
	}

	delete(s.tasks, id)

	return nil
}

// Limits returns the current admission limits.
func (s *Scheduler) Limits() store.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.limits
}

// SetLimits replaces the in-memory limits and persists them. It affects
// only future admission decisions: tasks already running above a newly
// lowered cap keep running.
func (s *Scheduler) SetLimits(l store.Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}

	if s.persist != nil {
		if err := s.persist.SetLimits(l); err != nil {
			return fmt.Errorf("persisting limits: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.limits = l
	s.logger.Info("limits updated",
		slog.Int("max_tasks", l.MaxTasks),
		slog.Int("max_accounts", l.MaxAccounts),
		slog.Int("max_per_account", l.MaxPerAccount),
	)

	// Raised limits may unblock pending tasks right away.
	if s.started {
		s.admitLocked()
	}

	return nil
}

// Subscribe registers an observer for status and progress events. The
// returned func unregisters it. Events are dropped, not blocked on,
// when the observer falls behind.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// admitLocked scans pending tasks in submission order and admits every
// task for which all three constraints hold after hypothetically adding
// it. Called with the mutex held, on every event that changes the
// running set's size; there is no timer.
func (s *Scheduler) admitLocked() {
	if !s.started {
		return
	}

	running := 0
	perAccount := make(map[string]int)

	var pending []*entry

	for _, e := range s.tasks {
		switch e.task.Status {
		case StatusRunning:
			running++
			perAccount[e.task.AccountID]++
		case StatusPending:
			pending = append(pending, e)
		}
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	for _, e := range pending {
		if running >= s.limits.MaxTasks {
			break
		}

		// A dependent task waits until its predecessor is terminal.
		if e.after != "" {
			if pred, ok := s.tasks[e.after]; ok && !pred.task.Status.Terminal() {
				continue
			}
		}

		account := e.task.AccountID

		// Adding a task for an already-active account does not grow
		// the distinct-account count.
		if _, active := perAccount[account]; !active && len(perAccount) >= s.limits.MaxAccounts {
			continue
		}

		if perAccount[account] >= s.limits.MaxPerAccount {
			continue
		}

		running++
		perAccount[account]++

		e.task.Status = StatusRunning
		s.publishLocked(e)

		s.logger.Debug("task admitted",
			slog.String("id", e.task.ID),
			slog.String("kind", string(e.task.Kind)),
			slog.String("account", account),
		)

		snapshot := e.task
		tok := e.token

		s.wg.Add(1)

		go s.runTask(snapshot, tok)
	}
}

// runTask executes one admitted task and feeds the result back into the
// scheduler.
func (s *Scheduler) runTask(t Task, tok *Token) {
	defer s.wg.Done()

	err := s.exec.Execute(s.ctx, t, tok, func(p float64) {
		s.setProgress(t.ID, p)
	})

	s.finish(t.ID, tok, err)
}

// setProgress records a progress update from a worker and publishes it.
func (s *Scheduler) setProgress(id string, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok || e.task.Status != StatusRunning {
		return
	}

	if p < 0 {
		p = 0
	}

	if p > 1 {
		p = 1
	}

	e.task.Progress = p
	s.publishLocked(e)
}

// finish transitions a task out of running and frees its admission
// slot. The running set shrank, so admission is re-evaluated.
func (s *Scheduler) finish(id string, tok *Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return
	}

	switch {
	case err == nil:
		e.task.Status = StatusCompleted
		e.task.Progress = 1

	case errors.Is(err, ErrPaused):
		// The worker observed the cooperative pause signal. The task
		// re-enters admission on Resume.
		e.task.Status = StatusPaused

	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || tok.Cancelled():
		e.task.Status = StatusCancelled

	default:
		e.task.Status = StatusFailed
		e.task.Err = err.Error()

		s.logger.Warn("task failed",
			slog.String("id", id),
			slog.String("kind", string(e.task.Kind)),
			slog.String("error", err.Error()),
		)
	}

	s.publishLocked(e)
	s.admitLocked()
}

// publishLocked pushes a snapshot to all subscribers. Called with the
// mutex held.
func (s *Scheduler) publishLocked(e *entry) {
	ev := Event{Task: e.task}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow observer: drop rather than stall the scheduler.
		}
	}
}
