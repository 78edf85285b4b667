// Package notify defines the notification payload contract and the
// deduplication rule that keeps redundant delivery paths from stacking
// duplicate visible notifications.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/store"
)

// DefaultTitle is the last-resort notification title when neither the
// structured payload nor the generic data fields carry one.
const DefaultTitle = "코레일 봇 알림"

// Payload is the title/body contract every transport path must honor. Tag
// is the stable deduplication tag: the OS-level notification surface
// replaces rather than stacks notifications sharing a tag.
type Payload struct {
	Title string
	Body  string
	Tag   string
	Data  map[string]string
}

// ResolvedTitle applies the fallback chain: structured title, generic data
// field, fixed default.
func (p Payload) ResolvedTitle() string {
	if p.Title != "" {
		return p.Title
	}
	if title := p.Data["title"]; title != "" {
		return title
	}
	return DefaultTitle
}

// ResolvedBody applies the fallback chain for the body; an absent body is
// delivered empty.
func (p Payload) ResolvedBody() string {
	if p.Body != "" {
		return p.Body
	}
	return p.Data["body"]
}

// ChannelTag returns the per-user notification channel tag.
func ChannelTag(uid string) string {
	return "watch-status:" + uid
}

// Deduper suppresses repeated delivery of one logical event through
// independent transport paths. Redundant delivery with the same tag and
// event key yields exactly one visible notification.
type Deduper struct {
	mu        sync.Mutex
	delivered map[string]string // tag -> last delivered event key
}

// NewDeduper constructs an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{delivered: make(map[string]string)}
}

// ShouldDeliver records the event under its tag and reports whether this is
// its first delivery. A later event reusing the tag replaces the visible
// notification rather than stacking a second one.
func (d *Deduper) ShouldDeliver(tag, eventKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delivered[tag] == eventKey {
		return false
	}
	d.delivered[tag] = eventKey
	return true
}

// Sender is one transport path. A sender with nothing to address (no device
// token, no chat id) must return nil: absence is a silent no-op at the
// transport layer, not an error the core surfaces.
type Sender interface {
	Name() string
	Send(ctx context.Context, user store.UserSettings, payload Payload) error
}

// Dispatcher fans one logical event out to every configured sender, at most
// once per (tag, event) pair.
type Dispatcher struct {
	senders []Sender
	deduper *Deduper
	logger  *zap.Logger
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(senders []Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		senders: senders,
		deduper: NewDeduper(),
		logger:  logger,
	}
}

// TaskSucceeded announces a confirmed reservation.
func (d *Dispatcher) TaskSucceeded(ctx context.Context, user store.UserSettings, task store.Task) {
	payload := Payload{
		Title: "🎉 예약 성공!",
		Body: fmt.Sprintf("열차: %s\n구간: %s -> %s\n시도: %d회",
			task.TrainName, task.DepName, task.ArrName, task.Attempts),
		Tag: ChannelTag(user.UID),
		Data: map[string]string{
			"type":     "task_success",
			"task_id":  task.ID,
			"train_no": task.TrainNo,
		},
	}
	d.deliver(ctx, user, payload, task.ID+":"+string(store.TaskStatusSuccess))
}

// TestDelivered announces a test-notification record reaching its delivery
// time. It shares the lifecycle fields of a task but has no booking
// semantics.
func (d *Dispatcher) TestDelivered(ctx context.Context, user store.UserSettings, task store.Task) {
	payload := Payload{
		Title: "🔔 알림 테스트",
		Body:  "푸시 알림이 정상적으로 설정되었습니다.",
		Tag:   ChannelTag(user.UID),
		Data: map[string]string{
			"type":    "test",
			"task_id": task.ID,
		},
	}
	d.deliver(ctx, user, payload, task.ID+":test")
}

func (d *Dispatcher) deliver(ctx context.Context, user store.UserSettings, payload Payload, eventKey string) {
	if !d.deduper.ShouldDeliver(payload.Tag, eventKey) {
		d.logger.Debug("duplicate notification suppressed",
			zap.String("tag", payload.Tag),
			zap.String("event", eventKey),
		)
		return
	}
	for _, sender := range d.senders {
		if err := sender.Send(ctx, user, payload); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("sender", sender.Name()),
				zap.String("uid", user.UID),
				zap.Error(err),
			)
		}
	}
}
