package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/railwatch/railwatch/internal/booking"
	"github.com/railwatch/railwatch/internal/notify"
	"github.com/railwatch/railwatch/internal/store"
)

type fakeProvider struct {
	mu           sync.Mutex
	searches     int
	logins       int
	reservations []booking.Train
	loginErr     error
	searchErr    error
	reserveErr   error
	// loginFailures makes the first n login calls fail with a transport
	// error before loginErr is consulted.
	loginFailures int
	// reservableAfter makes the watched train reservable from the nth
	// search onward; zero means never.
	reservableAfter int
	trainNo         string
}

func (p *fakeProvider) Login(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins++
	if p.loginFailures > 0 {
		p.loginFailures--
		return errors.New("connection reset")
	}
	return p.loginErr
}

func (p *fakeProvider) Search(context.Context, booking.Query) ([]booking.Train, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	p.searches++
	train := booking.Train{
		TrainNo:     p.trainNo,
		TrainName:   "KTX",
		DepName:     "서울",
		ArrName:     "부산",
		DepDate:     "20250601",
		DepTime:     "20250601063000",
		GeneralSeat: "00",
	}
	if p.reservableAfter > 0 && p.searches >= p.reservableAfter {
		train.GeneralSeat = booking.SeatCodeReservable
		train.ReservePossible = true
	}
	return []booking.Train{train}, nil
}

func (p *fakeProvider) Reserve(_ context.Context, train booking.Train) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserveErr != nil {
		return p.reserveErr
	}
	p.reservations = append(p.reservations, train)
	return nil
}

func (p *fakeProvider) searchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searches
}

func (p *fakeProvider) reservationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reservations)
}

func (p *fakeProvider) loginCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logins
}

type staticCredentials struct{}

func (staticCredentials) Credentials(context.Context, string) (string, string, error) {
	return "member-1", "korail-password", nil
}

type countingSender struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (s *countingSender) Name() string {
	return "counting"
}

func (s *countingSender) Send(_ context.Context, _ store.UserSettings, payload notify.Payload) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.UserSettings{}, &store.SearchRequest{}, &store.Task{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	recordStore, err := store.New(store.Config{
		Database:   db,
		Dispatcher: store.NewDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return recordStore
}

func newTestRunner(t *testing.T, recordStore *store.Store, provider *fakeProvider, sender notify.Sender) *Runner {
	t.Helper()
	var notifier *notify.Dispatcher
	if sender != nil {
		notifier = notify.NewDispatcher([]notify.Sender{sender}, nil)
	}
	runner, err := NewRunner(Config{
		Store:       recordStore,
		Provider:    provider,
		Credentials: staticCredentials{},
		Notifier:    notifier,
		TestDelay:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	return runner
}

func seedWatchTask(t *testing.T, recordStore *store.Store, id, trainNo string, intervalSec float64) {
	t.Helper()
	err := recordStore.CreateTask(context.Background(), store.Task{
		ID:              id,
		UID:             "user-1",
		TrainNo:         trainNo,
		TrainName:       "KTX",
		DepDate:         "20250601",
		DepTime:         "20250601063000",
		DepName:         "서울",
		ArrName:         "부산",
		PollIntervalSec: intervalSec,
		Status:          store.TaskStatusRunning,
	})
	if err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
}

func waitForTask(t *testing.T, recordStore *store.Store, id string, ready func(store.Task) bool) store.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := recordStore.GetTask(context.Background(), id)
		if err == nil && ready(snapshot) {
			return snapshot
		}
		time.Sleep(20 * time.Millisecond)
	}
	snapshot, _ := recordStore.GetTask(context.Background(), id)
	t.Fatalf("task %s did not reach expected state, last %+v", id, snapshot)
	return store.Task{}
}

func TestScanFulfilsPendingSearchRequest(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101"}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	request := store.SearchRequest{
		ID:         "req-1",
		UID:        "user-1",
		DepStation: "서울",
		ArrStation: "부산",
		Date:       "20250601",
		TimeFloor:  "060000",
	}
	if err := recordStore.CreateSearchRequest(ctx, request); err != nil {
		t.Fatalf("failed to seed request: %v", err)
	}

	runner.Scan(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot, err := recordStore.GetSearchRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		if snapshot.Status == store.SearchStatusCompleted {
			if snapshot.ResultsJSON == "" {
				t.Fatal("expected results payload")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never completed, status %s", snapshot.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestScanWritesSearchErrorOnProviderFailure(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101", searchErr: errors.New("조회 실패")}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	request := store.SearchRequest{
		ID:         "req-1",
		UID:        "user-1",
		DepStation: "서울",
		ArrStation: "부산",
		Date:       "20250601",
		TimeFloor:  "060000",
	}
	if err := recordStore.CreateSearchRequest(ctx, request); err != nil {
		t.Fatalf("failed to seed request: %v", err)
	}

	runner.Scan(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snapshot, err := recordStore.GetSearchRequest(ctx, "req-1")
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		if snapshot.Status == store.SearchStatusError {
			if snapshot.Error == "" {
				t.Fatal("expected error message on record")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never failed, status %s", snapshot.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchTaskReservesAndNotifiesAfterRepeatedProbes(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101", reservableAfter: 3}
	sender := &countingSender{}
	runner := newTestRunner(t, recordStore, provider, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	final := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusSuccess
	})
	if final.IsRunning {
		t.Fatal("expected terminal task to not be running")
	}
	if final.Attempts != 3 {
		t.Fatalf("expected one attempt per probe, got %d", final.Attempts)
	}
	if final.LastCheck == "" {
		t.Fatal("expected last check stamp")
	}
	if provider.reservationCount() != 1 {
		t.Fatalf("expected one reservation, got %d", provider.reservationCount())
	}

	deadline := time.Now().Add(time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one success notification, got %d", sender.count())
	}
}

func TestWatchTaskCeasesAfterStop(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101"}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Attempts >= 1
	})
	if _, err := recordStore.StopTask(ctx, "task-1"); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	stopped := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusStopped
	})

	// The loop observes the stop and halts; at most the in-flight probe
	// lands afterwards.
	time.Sleep(1200 * time.Millisecond)
	final, err := recordStore.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if final.Status != store.TaskStatusStopped {
		t.Fatalf("expected STOPPED preserved, got %s", final.Status)
	}
	if final.Attempts != stopped.Attempts {
		t.Fatalf("expected attempts frozen at %d, got %d", stopped.Attempts, final.Attempts)
	}
}

func TestWatchTaskErrorsWhenReserveFails(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101", reservableAfter: 1, reserveErr: errors.New("예약 실패")}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	final := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusError
	})
	if final.IsRunning {
		t.Fatal("expected terminal task to not be running")
	}
}

func TestWatchTaskRetriesTransientLoginFailure(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101", reservableAfter: 1, loginFailures: 2}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	final := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusSuccess
	})
	if final.Status != store.TaskStatusSuccess {
		t.Fatalf("expected eventual success, got %s", final.Status)
	}
	if provider.loginCount() < 3 {
		t.Fatalf("expected login retried past transient failures, got %d attempts", provider.loginCount())
	}
}

func TestWatchTaskErrorsOnCredentialRejection(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{
		trainNo:  "101",
		loginErr: fmt.Errorf("%w: 비밀번호 오류", booking.ErrCredentialsRejected),
	}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	final := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusError
	})
	if final.IsRunning {
		t.Fatal("expected terminal task to not be running")
	}
	if provider.searchCount() != 0 {
		t.Fatalf("expected no probes after credential rejection, got %d", provider.searchCount())
	}
}

func TestWatchTaskCeasesWhenRecordDeleted(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101"}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	runner.Scan(ctx)

	waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Attempts >= 1
	})
	if _, err := recordStore.StopTask(ctx, "task-1"); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := recordStore.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	before := provider.searchCount()
	time.Sleep(1200 * time.Millisecond)
	if after := provider.searchCount(); after > before+1 {
		t.Fatalf("expected probing to cease after delete, searches went %d -> %d", before, after)
	}
}

func TestDeliverTestSendsNotificationAfterDelay(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101"}
	sender := &countingSender{}
	runner := newTestRunner(t, recordStore, provider, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := recordStore.CreateTask(ctx, store.Task{
		ID:      "test-1",
		UID:     "user-1",
		TrainNo: "test",
		DepDate: "20250601",
		DepTime: "00000000000000",
		DepName: "-",
		ArrName: "-",
		Status:  store.TaskStatusRunning,
		Type:    store.TaskTypeTest,
	})
	if err != nil {
		t.Fatalf("failed to seed test record: %v", err)
	}

	runner.Scan(ctx)

	waitForTask(t, recordStore, "test-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusSuccess
	})
	deadline := time.Now().Add(time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("expected one test notification, got %d", sender.count())
	}
	if provider.searchCount() != 0 {
		t.Fatalf("expected no booking probes for test record, got %d", provider.searchCount())
	}
}

func TestRunnerReadoptsRunningTasksAcrossRestart(t *testing.T) {
	recordStore := newTestStore(t)
	provider := &fakeProvider{trainNo: "101", reservableAfter: 2}
	runner := newTestRunner(t, recordStore, provider, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedWatchTask(t, recordStore, "task-1", "101", 0.01)
	// Simulate prior progress persisted by an earlier run.
	if _, err := recordStore.UpdateTaskProgress(ctx, "task-1", "05:59:59"); err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}

	runner.Scan(ctx)

	final := waitForTask(t, recordStore, "task-1", func(task store.Task) bool {
		return task.Status == store.TaskStatusSuccess
	})
	if final.Attempts != 3 {
		t.Fatalf("expected attempts to resume from persisted counter, got %d", final.Attempts)
	}
}
