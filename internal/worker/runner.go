// Package worker implements the contract the automation worker honors when
// writing back to shared records: search fulfilment, the per-task watch
// loop, and terminal transitions.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/booking"
	"github.com/railwatch/railwatch/internal/notify"
	"github.com/railwatch/railwatch/internal/search"
	"github.com/railwatch/railwatch/internal/store"
)

const (
	defaultScanInterval = time.Second
	defaultTestDelay    = 10 * time.Second
	minPollInterval     = 500 * time.Millisecond
	lastCheckLayout     = "15:04:05"
)

var (
	errMissingStore    = errors.New("worker: store is required")
	errMissingProvider = errors.New("worker: booking provider is required")
)

// CredentialSource supplies decrypted booking credentials per tenant;
// satisfied by session.Controller.
type CredentialSource interface {
	Credentials(ctx context.Context, uid string) (string, string, error)
}

// Config describes runner dependencies.
type Config struct {
	Store        *store.Store
	Provider     booking.Provider
	Credentials  CredentialSource
	Notifier     *notify.Dispatcher
	ScanInterval time.Duration
	TestDelay    time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Runner adopts pending search requests and active watch tasks from the
// store and drives them to terminal states. A restart re-adopts every
// record still marked running and resumes from the persisted attempt
// counter.
type Runner struct {
	store        *store.Store
	provider     booking.Provider
	credentials  CredentialSource
	notifier     *notify.Dispatcher
	scanInterval time.Duration
	testDelay    time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	searching map[string]struct{}
	watching  map[string]struct{}
	loggedIn  map[string]struct{}
}

// NewRunner constructs the runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	testDelay := cfg.TestDelay
	if testDelay <= 0 {
		testDelay = defaultTestDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:        cfg.Store,
		provider:     cfg.Provider,
		credentials:  cfg.Credentials,
		notifier:     cfg.Notifier,
		scanInterval: scanInterval,
		testDelay:    testDelay,
		clock:        clock,
		logger:       logger,
		searching:    make(map[string]struct{}),
		watching:     make(map[string]struct{}),
		loggedIn:     make(map[string]struct{}),
	}, nil
}

// Run scans the store until the context ends. Each scan adopts pending
// search requests and running tasks that no loop owns yet.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		r.Scan(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Scan performs one adoption pass.
func (r *Runner) Scan(ctx context.Context) {
	pending, err := r.store.ListPendingSearchRequests(ctx)
	if err != nil {
		r.logger.Warn("search scan failed", zap.Error(err))
	}
	for _, request := range pending {
		if r.claim(r.searching, request.ID) {
			go r.fulfilSearch(ctx, request)
		}
	}

	active, err := r.store.ListActiveTasks(ctx)
	if err != nil {
		r.logger.Warn("task scan failed", zap.Error(err))
		return
	}
	for _, task := range active {
		if r.claim(r.watching, task.ID) {
			if task.Type == store.TaskTypeTest {
				go r.deliverTest(ctx, task)
			} else {
				go r.watchTask(ctx, task)
			}
		}
	}
}

func (r *Runner) claim(set map[string]struct{}, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := set[id]; taken {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (r *Runner) release(set map[string]struct{}, id string) {
	r.mu.Lock()
	delete(set, id)
	r.mu.Unlock()
}

// fulfilSearch performs one probe and writes the single terminal status.
func (r *Runner) fulfilSearch(ctx context.Context, request store.SearchRequest) {
	defer r.release(r.searching, request.ID)

	if err := r.ensureLogin(ctx, request.UID); err != nil {
		r.fail(ctx, request.ID, err)
		return
	}
	trains, err := r.provider.Search(ctx, booking.Query{
		DepStation: request.DepStation,
		ArrStation: request.ArrStation,
		Date:       request.Date,
		TimeFloor:  request.TimeFloor,
	})
	if err != nil {
		r.fail(ctx, request.ID, err)
		return
	}
	encoded, err := search.EncodeTrains(trains)
	if err != nil {
		r.fail(ctx, request.ID, err)
		return
	}
	if err := r.store.CompleteSearchRequest(ctx, request.ID, encoded); err != nil {
		r.logger.Warn("search completion write failed",
			zap.String("request_id", request.ID), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, requestID string, cause error) {
	r.logger.Warn("search failed", zap.String("request_id", requestID), zap.Error(cause))
	if err := r.store.FailSearchRequest(ctx, requestID, cause.Error()); err != nil {
		r.logger.Warn("search failure write failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

// watchTask probes at the task's cadence until a terminal transition. A
// stop signal (is_running=false) or a vanished record ends the loop after
// at most the in-flight probe.
func (r *Runner) watchTask(ctx context.Context, task store.Task) {
	defer r.release(r.watching, task.ID)

	interval := time.Duration(task.PollIntervalSec * float64(time.Second))
	if interval < minPollInterval {
		interval = minPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := r.store.GetTask(ctx, task.ID)
		if errors.Is(err, store.ErrRecordNotFound) {
			// Deletion while running acts as an ignored stop signal.
			return
		}
		if err != nil {
			r.logger.Warn("task read failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if !snapshot.IsRunning {
			return
		}

		switch err := r.ensureLogin(ctx, snapshot.UID); {
		case errors.Is(err, booking.ErrCredentialsRejected):
			r.terminate(ctx, snapshot, store.TaskStatusError)
			return
		case err != nil:
			// Transient login failures wait out a cycle, like probe errors.
			r.logger.Warn("login failed", zap.String("task_id", task.ID), zap.Error(err))
		default:
			if done := r.probe(ctx, snapshot); done {
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// probe performs one booking-system check, then increments the attempt
// counter. Returns true when the task reached a terminal state.
func (r *Runner) probe(ctx context.Context, snapshot store.Task) bool {
	trains, err := r.provider.Search(ctx, booking.Query{
		DepStation: snapshot.DepName,
		ArrStation: snapshot.ArrName,
		Date:       snapshot.DepDate,
		TimeFloor:  depTimeOfDay(snapshot.DepTime),
	})

	progressed, progressErr := r.store.UpdateTaskProgress(ctx, snapshot.ID, r.clock().Format(lastCheckLayout))
	if progressErr != nil {
		r.logger.Warn("task progress write failed", zap.String("task_id", snapshot.ID), zap.Error(progressErr))
		return false
	}

	if err != nil {
		// Transient probe failures are skipped; the next cycle retries.
		r.logger.Debug("probe failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		return false
	}

	target, found := findTrain(trains, snapshot.TrainNo)
	if !found || !target.ReservePossible {
		return false
	}

	if err := r.provider.Reserve(ctx, target); err != nil {
		r.logger.Warn("reserve failed", zap.String("task_id", snapshot.ID), zap.Error(err))
		r.terminate(ctx, progressed, store.TaskStatusError)
		return true
	}

	succeeded := r.terminate(ctx, progressed, store.TaskStatusSuccess)
	if succeeded != nil && r.notifier != nil {
		settings, err := r.store.GetUserSettings(ctx, succeeded.UID)
		if err != nil {
			r.logger.Warn("settings read for notification failed", zap.String("uid", succeeded.UID), zap.Error(err))
		} else {
			r.notifier.TaskSucceeded(ctx, settings, *succeeded)
		}
	}
	return true
}

// deliverTest waits the fixed delay, then exercises the notification path
// end-to-end for a test record.
func (r *Runner) deliverTest(ctx context.Context, task store.Task) {
	defer r.release(r.watching, task.ID)

	select {
	case <-time.After(r.testDelay):
	case <-ctx.Done():
		return
	}

	snapshot, err := r.store.GetTask(ctx, task.ID)
	if err != nil || !snapshot.IsRunning {
		return
	}
	delivered := r.terminate(ctx, snapshot, store.TaskStatusSuccess)
	if delivered != nil && r.notifier != nil {
		settings, err := r.store.GetUserSettings(ctx, delivered.UID)
		if err == nil {
			r.notifier.TestDelivered(ctx, settings, *delivered)
		}
	}
}

// terminate applies the terminal transition; a record already terminal (a
// racing stop) is left alone.
func (r *Runner) terminate(ctx context.Context, task store.Task, status store.TaskStatus) *store.Task {
	snapshot, err := r.store.TransitionTask(ctx, task.ID, status)
	if errors.Is(err, store.ErrTerminalRecord) {
		return nil
	}
	if err != nil {
		r.logger.Warn("terminal transition failed",
			zap.String("task_id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return nil
	}
	r.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int64("attempts", snapshot.Attempts),
	)
	return &snapshot
}

func (r *Runner) ensureLogin(ctx context.Context, uid string) error {
	r.mu.Lock()
	_, ok := r.loggedIn[uid]
	r.mu.Unlock()
	if ok || r.credentials == nil {
		return nil
	}
	memberID, password, err := r.credentials.Credentials(ctx, uid)
	if err != nil {
		return err
	}
	if err := r.provider.Login(ctx, memberID, password); err != nil {
		return err
	}
	r.mu.Lock()
	r.loggedIn[uid] = struct{}{}
	r.mu.Unlock()
	return nil
}

func findTrain(trains []booking.Train, trainNo string) (booking.Train, bool) {
	for _, train := range trains {
		if train.TrainNo == trainNo {
			return train, true
		}
	}
	return booking.Train{}, false
}

func depTimeOfDay(depTime string) string {
	if len(depTime) >= 14 {
		return depTime[8:14]
	}
	return depTime
}
