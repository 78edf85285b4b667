// Package session loads and merge-upserts per-user settings and tracks
// in-memory session state. Logout drops only the in-memory side; stored
// settings and task records are never touched by it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/store"
)

var errMissingStore = errors.New("session: store is required")

// Settings is the decrypted, client-facing view of the settings record.
type Settings struct {
	UID             string
	BookingID       string
	BookingSecret   string
	NotifierToken   string
	NotifierChatID  string
	DeviceToken     string
	PollIntervalSec float64
}

// HasBookingCredentials reports whether both credential fields are set.
func (s Settings) HasBookingCredentials() bool {
	return s.BookingID != "" && s.BookingSecret != ""
}

// Config describes controller dependencies. Sealer is optional; without it
// the booking secret is stored as-is.
type Config struct {
	Store  *store.Store
	Sealer *Sealer
	Clock  func() time.Time
	Logger *zap.Logger
}

// Controller is the session/settings component.
type Controller struct {
	store  *store.Store
	sealer *Sealer
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]time.Time // uid -> session start, in-memory only
}

// NewController constructs the controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:  cfg.Store,
		sealer: cfg.Sealer,
		clock:  clock,
		logger: logger,
		active: make(map[string]time.Time),
	}, nil
}

// BeginSession marks uid as having an active session and returns its
// current settings. A missing record is not an error; the defaults apply.
func (c *Controller) BeginSession(ctx context.Context, uid string) (Settings, error) {
	settings, err := c.Load(ctx, uid)
	if err != nil {
		return Settings{}, err
	}
	c.mu.Lock()
	c.active[uid] = c.clock()
	c.mu.Unlock()
	return settings, nil
}

// Load returns the decrypted settings for uid.
func (c *Controller) Load(ctx context.Context, uid string) (Settings, error) {
	record, err := c.store.GetUserSettings(ctx, uid)
	if err != nil {
		return Settings{}, err
	}
	return c.toSettings(record), nil
}

// SaveSettings merge-upserts the named fields; omitted fields keep their
// stored values. The booking secret is sealed before it reaches the store.
func (c *Controller) SaveSettings(ctx context.Context, uid string, patch store.SettingsPatch) (Settings, error) {
	if patch.BookingSecret != nil && c.sealer != nil && *patch.BookingSecret != "" {
		sealed, err := c.sealer.Seal(*patch.BookingSecret)
		if err != nil {
			return Settings{}, err
		}
		patch.BookingSecret = &sealed
	}
	record, err := c.store.MergeUserSettings(ctx, uid, patch)
	if err != nil {
		return Settings{}, err
	}
	c.logger.Info("settings saved", zap.String("uid", uid))
	return c.toSettings(record), nil
}

// Credentials returns the decrypted booking credentials for uid.
func (c *Controller) Credentials(ctx context.Context, uid string) (string, string, error) {
	settings, err := c.Load(ctx, uid)
	if err != nil {
		return "", "", err
	}
	return settings.BookingID, settings.BookingSecret, nil
}

// Logout clears only the in-memory session state for uid.
func (c *Controller) Logout(uid string) {
	c.mu.Lock()
	delete(c.active, uid)
	c.mu.Unlock()
}

// SessionActive reports whether uid currently holds an in-memory session.
func (c *Controller) SessionActive(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[uid]
	return ok
}

func (c *Controller) toSettings(record store.UserSettings) Settings {
	secret := record.BookingSecret
	if secret != "" && c.sealer != nil {
		opened, err := c.sealer.Open(secret)
		if err != nil {
			// A value written before the sealer was configured reads back
			// as-is rather than failing the whole settings load.
			c.logger.Warn("booking secret unseal failed", zap.String("uid", record.UID), zap.Error(err))
		} else {
			secret = opened
		}
	}
	return Settings{
		UID:             record.UID,
		BookingID:       record.BookingID,
		BookingSecret:   secret,
		NotifierToken:   record.NotifierToken,
		NotifierChatID:  record.NotifierChatID,
		DeviceToken:     record.DeviceToken,
		PollIntervalSec: record.PollIntervalSec,
	}
}
