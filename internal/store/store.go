package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDispatcher = errors.New("change dispatcher is required")
	noOpLogger           = zap.NewNop()
)

// Config describes the dependencies of the record store.
type Config struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store owns the shared record collections and publishes a change
// notification for every successful mutation. It is the only channel
// between client-side components and the worker.
type Store struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

// New constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Dispatcher exposes the change dispatcher for subscription owners.
func (s *Store) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// CreateSearchRequest persists a new PENDING search request.
func (s *Store) CreateSearchRequest(ctx context.Context, request SearchRequest) error {
	if _, err := ValidateRecordID(request.ID); err != nil {
		return err
	}
	if _, err := ValidateUserID(request.UID); err != nil {
		return err
	}
	request.Status = SearchStatusPending
	request.CreatedAtS = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Create(&request).Error; err != nil {
		return transportErr("create search request", err)
	}
	s.publishSearch(request)
	return nil
}

// GetSearchRequest loads one search request by id.
func (s *Store) GetSearchRequest(ctx context.Context, id string) (SearchRequest, error) {
	var request SearchRequest
	err := s.db.WithContext(ctx).First(&request, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SearchRequest{}, fmt.Errorf("%w: search request %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return SearchRequest{}, transportErr("get search request", err)
	}
	return request, nil
}

// ListPendingSearchRequests returns every request still awaiting the worker.
func (s *Store) ListPendingSearchRequests(ctx context.Context) ([]SearchRequest, error) {
	var requests []SearchRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", SearchStatusPending).
		Order("created_at_s asc").
		Find(&requests).Error
	if err != nil {
		return nil, transportErr("list pending search requests", err)
	}
	return requests, nil
}

// CompleteSearchRequest moves a PENDING request to COMPLETED with the result
// payload. A request already terminal is left untouched.
func (s *Store) CompleteSearchRequest(ctx context.Context, id, resultsJSON string) error {
	return s.finishSearch(ctx, id, map[string]any{
		"status":       SearchStatusCompleted,
		"results_json": resultsJSON,
	})
}

// FailSearchRequest moves a PENDING request to ERROR carrying the worker
// message.
func (s *Store) FailSearchRequest(ctx context.Context, id, message string) error {
	return s.finishSearch(ctx, id, map[string]any{
		"status": SearchStatusError,
		"error":  message,
	})
}

func (s *Store) finishSearch(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&SearchRequest{}).
		Where("id = ? AND status = ?", id, SearchStatusPending).
		Updates(updates)
	if result.Error != nil {
		return transportErr("finish search request", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSearchRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: search request %s", ErrTerminalRecord, id)
	}
	snapshot, err := s.GetSearchRequest(ctx, id)
	if err != nil {
		return err
	}
	s.publishSearch(snapshot)
	return nil
}

// CreateTask inserts the task only if no active task exists for the same
// (uid, train_no) pair. The check and insert share one transaction on the
// single-connection handle, which is what makes the uniqueness invariant
// hold across concurrent sessions.
func (s *Store) CreateTask(ctx context.Context, task Task) error {
	if _, err := ValidateRecordID(task.ID); err != nil {
		return err
	}
	if _, err := ValidateUserID(task.UID); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = TaskStatusRunning
	}
	task.IsRunning = task.Status.Active()
	task.Attempts = 0
	task.CreatedAtS = s.clock().UTC().Unix()
	if err := task.validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Task{}).
			Where("uid = ? AND train_no = ? AND is_running = ?", task.UID, task.TrainNo, true).
			Count(&active).Error; err != nil {
			return transportErr("count active tasks", err)
		}
		if active > 0 {
			return fmt.Errorf("%w: train %s", ErrDuplicateActiveTask, task.TrainNo)
		}
		if err := tx.Create(&task).Error; err != nil {
			return transportErr("create task", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTask(task)
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, fmt.Errorf("%w: task %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return Task{}, transportErr("get task", err)
	}
	if err := task.validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns every task owned by uid.
func (s *Store) ListTasks(ctx context.Context, uid string) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("uid = ?", uid).
		Order("created_at_s asc").
		Find(&tasks).Error
	if err != nil {
		return nil, transportErr("list tasks", err)
	}
	return tasks, nil
}

// ListActiveTasks returns every running task across all owners. The worker
// uses it to adopt work, including after a restart.
func (s *Store) ListActiveTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).
		Where("is_running = ?", true).
		Order("created_at_s asc").
		Find(&tasks).Error
	if err != nil {
		return nil, transportErr("list active tasks", err)
	}
	return tasks, nil
}

// UpdateTaskProgress increments the attempt counter and stamps the last
// check time. The increment happens in SQL so the counter stays monotone
// under concurrent writers; a task no longer running is left untouched.
func (s *Store) UpdateTaskProgress(ctx context.Context, id, lastCheck string) (Task, error) {
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND is_running = ?", id, true).
		UpdateColumns(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_check": lastCheck,
		})
	if result.Error != nil {
		return Task{}, transportErr("update task progress", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.GetTask(ctx, id)
	}
	snapshot, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	s.publishTask(snapshot)
	return snapshot, nil
}

// TransitionTask moves an active task into the given terminal status and
// clears is_running in the same write. Terminal statuses are absorbing:
// a task already terminal is never rewritten.
func (s *Store) TransitionTask(ctx context.Context, id string, status TaskStatus) (Task, error) {
	if !status.Terminal() {
		return Task{}, fmt.Errorf("store: %q is not a terminal status", status)
	}
	result := s.db.WithContext(ctx).
		Model(&Task{}).
		Where("id = ? AND status IN ?", id, []TaskStatus{TaskStatusPending, TaskStatusRunning}).
		UpdateColumns(map[string]any{
			"status":     status,
			"is_running": false,
		})
	if result.Error != nil {
		return Task{}, transportErr("transition task", result.Error)
	}
	snapshot, err := s.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if result.RowsAffected == 0 {
		return snapshot, fmt.Errorf("%w: task %s is %s", ErrTerminalRecord, id, snapshot.Status)
	}
	s.publishTask(snapshot)
	return snapshot, nil
}

// StopTask requests a stop. Idempotent: a task already terminal keeps its
// status (SUCCESS in particular is never overwritten) and the call still
// succeeds.
func (s *Store) StopTask(ctx context.Context, id string) (Task, error) {
	snapshot, err := s.TransitionTask(ctx, id, TaskStatusStopped)
	if errors.Is(err, ErrTerminalRecord) {
		return snapshot, nil
	}
	return snapshot, err
}

// DeleteTask removes the record permanently.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&Task{}, "id = ?", id).Error; err != nil {
		return transportErr("delete task", err)
	}
	s.dispatcher.Publish(Change{
		Collection: CollectionTasks,
		Kind:       ChangeDelete,
		RecordID:   id,
		OwnerUID:   task.UID,
	})
	return nil
}

// ClearFinishedTasks removes every non-active task owned by uid and returns
// the removed ids.
func (s *Store) ClearFinishedTasks(ctx context.Context, uid string) ([]string, error) {
	var finished []Task
	err := s.db.WithContext(ctx).
		Where("uid = ? AND is_running = ?", uid, false).
		Find(&finished).Error
	if err != nil {
		return nil, transportErr("list finished tasks", err)
	}
	removed := make([]string, 0, len(finished))
	for _, task := range finished {
		if err := s.db.WithContext(ctx).Delete(&Task{}, "id = ?", task.ID).Error; err != nil {
			return removed, transportErr("clear finished tasks", err)
		}
		removed = append(removed, task.ID)
		s.dispatcher.Publish(Change{
			Collection: CollectionTasks,
			Kind:       ChangeDelete,
			RecordID:   task.ID,
			OwnerUID:   uid,
		})
	}
	return removed, nil
}

// GetUserSettings loads the settings record for uid. Absence is not an
// error: it yields the all-default value.
func (s *Store) GetUserSettings(ctx context.Context, uid string) (UserSettings, error) {
	cleanUID, err := ValidateUserID(uid)
	if err != nil {
		return UserSettings{}, err
	}
	var settings UserSettings
	dbErr := s.db.WithContext(ctx).First(&settings, "uid = ?", cleanUID).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return DefaultUserSettings(cleanUID), nil
	}
	if dbErr != nil {
		return UserSettings{}, transportErr("get user settings", dbErr)
	}
	return settings, nil
}

// SettingsPatch carries a partial settings update. Nil fields retain their
// stored values.
type SettingsPatch struct {
	BookingID       *string
	BookingSecret   *string
	NotifierToken   *string
	NotifierChatID  *string
	DeviceToken     *string
	PollIntervalSec *float64
}

// DefaultPollIntervalSec is the built-in probe cadence for users who never
// saved one.
const DefaultPollIntervalSec = 3.0

// DefaultUserSettings returns the all-default settings value for uid.
func DefaultUserSettings(uid string) UserSettings {
	return UserSettings{UID: uid, PollIntervalSec: DefaultPollIntervalSec}
}

// MergeUserSettings performs the merge-upsert: stored values survive unless
// the patch names them.
func (s *Store) MergeUserSettings(ctx context.Context, uid string, patch SettingsPatch) (UserSettings, error) {
	settings, err := s.GetUserSettings(ctx, uid)
	if err != nil {
		return UserSettings{}, err
	}
	if patch.BookingID != nil {
		settings.BookingID = *patch.BookingID
	}
	if patch.BookingSecret != nil {
		settings.BookingSecret = *patch.BookingSecret
	}
	if patch.NotifierToken != nil {
		settings.NotifierToken = *patch.NotifierToken
	}
	if patch.NotifierChatID != nil {
		settings.NotifierChatID = *patch.NotifierChatID
	}
	if patch.DeviceToken != nil {
		settings.DeviceToken = *patch.DeviceToken
	}
	if patch.PollIntervalSec != nil {
		settings.PollIntervalSec = *patch.PollIntervalSec
	}
	if err := s.db.WithContext(ctx).Save(&settings).Error; err != nil {
		return UserSettings{}, transportErr("merge user settings", err)
	}
	snapshot := settings
	s.dispatcher.Publish(Change{
		Collection: CollectionUsers,
		Kind:       ChangePut,
		RecordID:   snapshot.UID,
		OwnerUID:   snapshot.UID,
		Settings:   &snapshot,
	})
	return settings, nil
}

func (s *Store) publishTask(task Task) {
	snapshot := task
	s.dispatcher.Publish(Change{
		Collection: CollectionTasks,
		Kind:       ChangePut,
		RecordID:   snapshot.ID,
		OwnerUID:   snapshot.UID,
		Task:       &snapshot,
	})
}

func (s *Store) publishSearch(request SearchRequest) {
	snapshot := request
	s.dispatcher.Publish(Change{
		Collection: CollectionSearchRequests,
		Kind:       ChangePut,
		RecordID:   snapshot.ID,
		OwnerUID:   snapshot.UID,
		Search:     &snapshot,
	})
}
