// Package task manages the lifecycle of reservation-watch jobs: creation
// with the one-active-job-per-train invariant, idempotent stop, delete, and
// live observation through the store's change subscriptions.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/booking"
	"github.com/railwatch/railwatch/internal/session"
	"github.com/railwatch/railwatch/internal/store"
)

var (
	errMissingStore   = errors.New("task: store is required")
	errMissingSession = errors.New("task: session controller is required")

	// ErrMissingCredentials rejects task creation while the user's booking
	// credentials are unset.
	ErrMissingCredentials = errors.New("task: booking credentials not configured")
	// ErrMissingSelection rejects task creation without a train selection.
	ErrMissingSelection = errors.New("task: train selection required")
)

// ValidationError wraps a precondition failure on task creation.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task validation: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IDProvider abstracts task id generation.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// DefaultRefreshInterval is the fallback resync cadence for Observe. The
// dispatcher only reaches subscribers in the same process; the worker's
// writes arrive through the shared database, so the watch periodically
// re-lists its owner's tasks.
const DefaultRefreshInterval = time.Second

// Config describes manager dependencies.
type Config struct {
	Store           *store.Store
	Session         *session.Controller
	IDProvider      IDProvider
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Manager is the task lifecycle component.
type Manager struct {
	store        *store.Store
	session      *session.Controller
	idProvider   IDProvider
	refreshEvery time.Duration
	logger       *zap.Logger
}

// NewManager constructs the manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	refreshEvery := cfg.RefreshInterval
	if refreshEvery <= 0 {
		refreshEvery = DefaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:        cfg.Store,
		session:      cfg.Session,
		idProvider:   idProvider,
		refreshEvery: refreshEvery,
		logger:       logger,
	}, nil
}

// Create starts a new watch job for the selected train. It rejects with a
// ValidationError when booking credentials are unset. Exclusivity against a
// concurrent active task for the same train is enforced by the store's
// conditional create, not here; UI-level disabling of the action is
// advisory only.
func (m *Manager) Create(ctx context.Context, uid string, selection booking.Selection, pollIntervalSec float64) (store.Task, error) {
	if selection.TrainNo == "" {
		return store.Task{}, &ValidationError{Err: ErrMissingSelection}
	}
	settings, err := m.session.Load(ctx, uid)
	if err != nil {
		return store.Task{}, err
	}
	if !settings.HasBookingCredentials() {
		return store.Task{}, &ValidationError{Err: ErrMissingCredentials}
	}
	if pollIntervalSec <= 0 {
		pollIntervalSec = settings.PollIntervalSec
	}

	taskID, err := m.idProvider.NewID()
	if err != nil {
		return store.Task{}, err
	}
	record := store.Task{
		ID:              taskID,
		UID:             uid,
		TrainNo:         selection.TrainNo,
		TrainName:       selection.TrainName,
		DepDate:         selection.DepDate,
		DepTime:         selection.DepTime,
		DepName:         selection.DepName,
		ArrName:         selection.ArrName,
		PollIntervalSec: pollIntervalSec,
		Status:          store.TaskStatusRunning,
	}
	if err := m.store.CreateTask(ctx, record); err != nil {
		return store.Task{}, err
	}
	m.logger.Info("watch task created",
		zap.String("task_id", taskID),
		zap.String("uid", uid),
		zap.String("train_no", selection.TrainNo),
	)
	return m.store.GetTask(ctx, taskID)
}

// Stop requests a stop. Idempotent; a task already in SUCCESS (or any other
// terminal status) keeps its status and the call succeeds.
func (m *Manager) Stop(ctx context.Context, taskID string) (store.Task, error) {
	return m.store.StopTask(ctx, taskID)
}

// Delete removes the task permanently. A still-running task is first
// stopped, so the worker sees an ordinary stop signal and finishes at most
// its in-flight probe before the record vanishes.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if _, err := m.store.StopTask(ctx, taskID); err != nil {
		return err
	}
	return m.store.DeleteTask(ctx, taskID)
}

// ClearFinished removes every non-active task owned by uid.
func (m *Manager) ClearFinished(ctx context.Context, uid string) ([]string, error) {
	return m.store.ClearFinishedTasks(ctx, uid)
}

// Watch is a live mapping of task id to task snapshot for one owner.
// Updates coalesce: the channel always carries the latest full mapping, and
// consumers must treat every task value as a whole-record snapshot.
type Watch struct {
	mu      sync.Mutex
	tasks   map[string]store.Task
	updates chan map[string]store.Task

	closeOnce sync.Once
	closed    chan struct{}
	cancelSub func()
}

// Snapshot returns a copy of the current mapping.
func (w *Watch) Snapshot() map[string]store.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyTasks(w.tasks)
}

// Updates streams the mapping after each observed change.
func (w *Watch) Updates() <-chan map[string]store.Task {
	return w.updates
}

// Close tears the watch down. Idempotent and caller-owned; omitting it
// leaks the underlying subscription.
func (w *Watch) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.cancelSub()
	})
}

func (w *Watch) apply(change store.Change) {
	w.mu.Lock()
	switch change.Kind {
	case store.ChangeDelete:
		delete(w.tasks, change.RecordID)
	case store.ChangePut:
		if change.Task != nil {
			w.tasks[change.RecordID] = *change.Task
		}
	}
	snapshot := copyTasks(w.tasks)
	w.mu.Unlock()

	w.push(snapshot)
}

// resync replaces the mapping with the listed state. Writes from other
// processes reach the watch only through the database, so the periodic
// re-list is what makes deletions and terminal transitions converge across
// the api/worker split.
func (w *Watch) resync(listed []store.Task) {
	fresh := make(map[string]store.Task, len(listed))
	for _, task := range listed {
		fresh[task.ID] = task
	}

	w.mu.Lock()
	if sameTasks(w.tasks, fresh) {
		w.mu.Unlock()
		return
	}
	w.tasks = fresh
	snapshot := copyTasks(fresh)
	w.mu.Unlock()

	w.push(snapshot)
}

// push is latest-wins delivery: a slow consumer sees the newest mapping,
// not a backlog of stale ones.
func (w *Watch) push(snapshot map[string]store.Task) {
	for {
		select {
		case w.updates <- snapshot:
			return
		case <-w.closed:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

func sameTasks(a, b map[string]store.Task) bool {
	if len(a) != len(b) {
		return false
	}
	for id, task := range a {
		if other, ok := b[id]; !ok || other != task {
			return false
		}
	}
	return true
}

func copyTasks(tasks map[string]store.Task) map[string]store.Task {
	copied := make(map[string]store.Task, len(tasks))
	for id, task := range tasks {
		copied[id] = task
	}
	return copied
}

// Observe opens a long-lived watch over every task owned by uid. The
// mapping is primed from the store, then maintained from the change stream
// and a periodic re-list that picks up writes from other processes.
func (m *Manager) Observe(ctx context.Context, uid string) (*Watch, error) {
	cleanUID, err := store.ValidateUserID(uid)
	if err != nil {
		return nil, err
	}

	stream, cancelSub := m.store.Dispatcher().SubscribeOwner(ctx, store.CollectionTasks, cleanUID)

	existing, err := m.store.ListTasks(ctx, cleanUID)
	if err != nil {
		cancelSub()
		return nil, err
	}
	tasks := make(map[string]store.Task, len(existing))
	for _, task := range existing {
		tasks[task.ID] = task
	}

	watch := &Watch{
		tasks:     tasks,
		updates:   make(chan map[string]store.Task, 1),
		closed:    make(chan struct{}),
		cancelSub: cancelSub,
	}

	go func() {
		refresh := time.NewTicker(m.refreshEvery)
		defer refresh.Stop()
		for {
			select {
			case change := <-stream:
				watch.apply(change)
			case <-refresh.C:
				listed, err := m.store.ListTasks(ctx, cleanUID)
				if err != nil {
					m.logger.Warn("task watch resync failed", zap.String("uid", cleanUID), zap.Error(err))
					continue
				}
				watch.resync(listed)
			case <-watch.closed:
				return
			case <-ctx.Done():
				watch.Close()
				return
			}
		}
	}()

	return watch, nil
}

// WaitNotRunning blocks until the task leaves its active states or the
// context expires; used by callers that need stop acknowledgement.
func (m *Manager) WaitNotRunning(ctx context.Context, taskID string, pollEvery time.Duration) (store.Task, error) {
	if pollEvery <= 0 {
		pollEvery = 50 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		snapshot, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return store.Task{}, err
		}
		if !snapshot.IsRunning {
			return snapshot, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return snapshot, ctx.Err()
		}
	}
}
