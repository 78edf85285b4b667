package store

import (
	"errors"
	"fmt"
	"strings"
)

// Collection names double as table names and as subscription filter keys.
type Collection string

const (
	CollectionUsers          Collection = "users"
	CollectionSearchRequests Collection = "search_requests"
	CollectionTasks          Collection = "tasks"
)

// SearchStatus enumerates the search request wire statuses. Values are part
// of the wire contract shared with the worker.
type SearchStatus string

const (
	SearchStatusPending   SearchStatus = "PENDING"
	SearchStatusCompleted SearchStatus = "COMPLETED"
	SearchStatusError     SearchStatus = "ERROR"
)

// TaskStatus enumerates the task wire statuses. Values are part of the wire
// contract shared with the worker.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusSuccess TaskStatus = "SUCCESS"
	TaskStatusStopped TaskStatus = "STOPPED"
	TaskStatusError   TaskStatus = "ERROR"
)

// Active reports whether the status permits further worker transitions.
func (s TaskStatus) Active() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Terminal reports whether no further transition is permitted.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusStopped || s == TaskStatusError
}

// TaskTypeTest marks a task-shaped record used only to validate the
// notification path; it carries no booking semantics.
const TaskTypeTest = "test"

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates an empty or oversized tenant identifier.
	ErrInvalidUserID = errors.New("store: invalid user id")
	// ErrInvalidRecordID indicates an empty or oversized record identifier.
	ErrInvalidRecordID = errors.New("store: invalid record id")
	// ErrRecordNotFound indicates the requested record does not exist.
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrDuplicateActiveTask indicates an active task already exists for the
	// same (uid, train_no) pair.
	ErrDuplicateActiveTask = errors.New("store: active task exists for train")
	// ErrTerminalRecord indicates a write attempted against a record already
	// in a terminal status.
	ErrTerminalRecord = errors.New("store: record is terminal")
	// ErrMalformedRecord indicates a stored record is missing required
	// fields and cannot be trusted.
	ErrMalformedRecord = errors.New("store: malformed record")
)

// TransportError wraps a store read/write/subscribe failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// ValidateUserID checks a raw tenant identifier against storage bounds.
func ValidateUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ValidateRecordID checks a raw record identifier against storage bounds.
func ValidateRecordID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return trimmed, nil
}

// UserSettings is the per-user settings record. Created implicitly on first
// save, mutated only by merge-upsert, never deleted.
type UserSettings struct {
	UID             string  `gorm:"column:uid;primaryKey;size:190;not null" json:"uid"`
	BookingID       string  `gorm:"column:booking_id;size:190" json:"booking_id"`
	BookingSecret   string  `gorm:"column:booking_secret;type:text" json:"booking_secret"`
	NotifierToken   string  `gorm:"column:tg_token;size:320" json:"tg_token"`
	NotifierChatID  string  `gorm:"column:tg_chat_id;size:190" json:"tg_chat_id"`
	DeviceToken     string  `gorm:"column:device_token;type:text" json:"device_token"`
	PollIntervalSec float64 `gorm:"column:interval;not null;default:3" json:"interval"`
}

// TableName provides the explicit table binding for GORM.
func (UserSettings) TableName() string {
	return "users"
}

// HasBookingCredentials reports whether both credential fields are set.
func (u UserSettings) HasBookingCredentials() bool {
	return strings.TrimSpace(u.BookingID) != "" && strings.TrimSpace(u.BookingSecret) != ""
}

// SearchRequest is the one-shot search handshake record. The client creates
// it PENDING; the worker mutates it exactly once into COMPLETED or ERROR.
type SearchRequest struct {
	ID          string       `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UID         string       `gorm:"column:uid;size:190;not null;index" json:"uid"`
	DepStation  string       `gorm:"column:dep;size:190;not null" json:"dep"`
	ArrStation  string       `gorm:"column:arr;size:190;not null" json:"arr"`
	Date        string       `gorm:"column:date;size:8;not null" json:"date"`
	TimeFloor   string       `gorm:"column:time;size:6;not null" json:"time"`
	Status      SearchStatus `gorm:"column:status;size:16;not null" json:"status"`
	ResultsJSON string       `gorm:"column:results_json;type:text" json:"results_json"`
	Error       string       `gorm:"column:error;type:text" json:"error"`
	CreatedAtS  int64        `gorm:"column:created_at_s;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (SearchRequest) TableName() string {
	return "search_requests"
}

// Task is one long-running reservation-watch job. isRunning and status must
// always agree: is_running iff status is PENDING or RUNNING.
type Task struct {
	ID              string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UID             string     `gorm:"column:uid;size:190;not null;index:idx_tasks_uid_train,priority:1" json:"uid"`
	TrainNo         string     `gorm:"column:train_no;size:32;not null;index:idx_tasks_uid_train,priority:2" json:"train_no"`
	TrainName       string     `gorm:"column:train_name;size:190" json:"train_name"`
	DepDate         string     `gorm:"column:dep_date;size:8;not null" json:"dep_date"`
	DepTime         string     `gorm:"column:dep_time;size:14;not null" json:"dep_time"`
	DepName         string     `gorm:"column:dep_name;size:190;not null" json:"dep_name"`
	ArrName         string     `gorm:"column:arr_name;size:190;not null" json:"arr_name"`
	PollIntervalSec float64    `gorm:"column:interval;not null;default:3" json:"interval"`
	IsRunning       bool       `gorm:"column:is_running;not null;default:false" json:"is_running"`
	Status          TaskStatus `gorm:"column:status;size:16;not null" json:"status"`
	Attempts        int64      `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastCheck       string     `gorm:"column:last_check;size:32" json:"last_check"`
	Type            string     `gorm:"column:type;size:32" json:"type,omitempty"`
	CreatedAtS      int64      `gorm:"column:created_at_s;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

func (t Task) validate() error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.UID) == "" {
		return fmt.Errorf("%w: task missing identifiers", ErrMalformedRecord)
	}
	if t.Status == "" {
		return fmt.Errorf("%w: task %s missing status", ErrMalformedRecord, t.ID)
	}
	if t.IsRunning != t.Status.Active() {
		return fmt.Errorf("%w: task %s is_running disagrees with status %s", ErrMalformedRecord, t.ID, t.Status)
	}
	return nil
}
