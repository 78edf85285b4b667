// Package search implements the one-shot search handshake: a PENDING record
// written to the store, resolved exactly once when the worker writes a
// terminal status back.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/railwatch/railwatch/internal/booking"
	"github.com/railwatch/railwatch/internal/store"
)

// DefaultDelayWarning is how long a request may stay PENDING before the
// caller gets the advisory delay signal. The signal never tears the
// subscription down; only a terminal status or Close does.
const DefaultDelayWarning = 15 * time.Second

// DefaultRefreshInterval is the fallback re-read cadence. The dispatcher
// only reaches subscribers in the same process; writers in other processes
// share nothing but the database, so the handshake re-reads its record to
// observe their terminal writes.
const DefaultRefreshInterval = time.Second

var errMissingStore = errors.New("search: store is required")

// RemoteError carries the worker-written failure message from an ERROR
// terminal status.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("search %s failed remotely: %s", e.RequestID, e.Message)
}

// IDProvider abstracts request id generation.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDProvider generates uuid-v4 identifiers.
type UUIDProvider struct{}

// NewID returns a fresh uuid string.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Config describes protocol dependencies.
type Config struct {
	Store           *store.Store
	IDProvider      IDProvider
	DelayWarning    time.Duration
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Protocol submits search requests and resolves their handshakes.
type Protocol struct {
	store        *store.Store
	idProvider   IDProvider
	delayWarning time.Duration
	refreshEvery time.Duration
	logger       *zap.Logger
}

// NewProtocol constructs the protocol.
func NewProtocol(cfg Config) (*Protocol, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = UUIDProvider{}
	}
	delayWarning := cfg.DelayWarning
	if delayWarning <= 0 {
		delayWarning = DefaultDelayWarning
	}
	refreshEvery := cfg.RefreshInterval
	if refreshEvery <= 0 {
		refreshEvery = DefaultRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		store:        cfg.Store,
		idProvider:   idProvider,
		delayWarning: delayWarning,
		refreshEvery: refreshEvery,
		logger:       logger,
	}, nil
}

// Handshake is one in-flight search round trip. Exactly one of Results or
// Err fires, exactly once; Delayed may fire once beforehand and is
// advisory only. The caller owns Close.
type Handshake struct {
	RequestID string

	results chan []booking.Train
	errs    chan error
	delayed chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	cancelSub func()
}

// Results delivers the train list on COMPLETED. Absent results arrive as an
// empty slice.
func (h *Handshake) Results() <-chan []booking.Train {
	return h.results
}

// Err delivers the RemoteError on an ERROR terminal status.
func (h *Handshake) Err() <-chan error {
	return h.errs
}

// Delayed fires once when the warning window elapses without a terminal
// status. The subscription stays open.
func (h *Handshake) Delayed() <-chan struct{} {
	return h.delayed
}

// Close tears the handshake down. Idempotent; safe after resolution.
func (h *Handshake) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.cancelSub()
	})
}

// Submit validates the query, writes the PENDING record, and opens exactly
// one change subscription on it. A store write failure surfaces immediately
// and opens no subscription.
func (p *Protocol) Submit(ctx context.Context, uid, depStation, arrStation, date, timeFloor string) (*Handshake, error) {
	cleanUID, err := store.ValidateUserID(uid)
	if err != nil {
		return nil, err
	}
	query := booking.Query{
		DepStation: depStation,
		ArrStation: arrStation,
		Date:       date,
		TimeFloor:  timeFloor,
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	requestID, err := p.idProvider.NewID()
	if err != nil {
		return nil, err
	}

	record := store.SearchRequest{
		ID:         requestID,
		UID:        cleanUID,
		DepStation: depStation,
		ArrStation: arrStation,
		Date:       date,
		TimeFloor:  timeFloor,
	}
	if err := p.store.CreateSearchRequest(ctx, record); err != nil {
		return nil, err
	}

	stream, cancelSub := p.store.Dispatcher().SubscribeRecord(ctx, store.CollectionSearchRequests, requestID)
	handshake := &Handshake{
		RequestID: requestID,
		results:   make(chan []booking.Train, 1),
		errs:      make(chan error, 1),
		delayed:   make(chan struct{}, 1),
		closed:    make(chan struct{}),
		cancelSub: cancelSub,
	}
	go p.resolve(ctx, handshake, stream)
	return handshake, nil
}

func (p *Protocol) resolve(ctx context.Context, handshake *Handshake, stream <-chan store.Change) {
	// The worker may have written the terminal status between the create
	// and the subscribe; one read closes that window.
	if snapshot, err := p.store.GetSearchRequest(ctx, handshake.RequestID); err == nil {
		if p.deliverTerminal(handshake, snapshot) {
			return
		}
	}

	timer := time.NewTimer(p.delayWarning)
	defer timer.Stop()
	refresh := time.NewTicker(p.refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case change := <-stream:
			if change.Search == nil {
				continue
			}
			if p.deliverTerminal(handshake, *change.Search) {
				return
			}
		case <-refresh.C:
			// Terminal writes from another process never cross the
			// dispatcher; only the database is shared.
			snapshot, err := p.store.GetSearchRequest(ctx, handshake.RequestID)
			if err != nil {
				continue
			}
			if p.deliverTerminal(handshake, snapshot) {
				return
			}
		case <-timer.C:
			select {
			case handshake.delayed <- struct{}{}:
				p.logger.Info("search response delayed", zap.String("request_id", handshake.RequestID))
			default:
			}
		case <-handshake.closed:
			return
		case <-ctx.Done():
			handshake.Close()
			return
		}
	}
}

// deliverTerminal resolves the handshake when the snapshot is terminal and
// reports whether it did. Resolution closes the subscription; no further
// callbacks are processed.
func (p *Protocol) deliverTerminal(handshake *Handshake, snapshot store.SearchRequest) bool {
	switch snapshot.Status {
	case store.SearchStatusCompleted:
		trains, err := decodeTrains(snapshot.ResultsJSON)
		if err != nil {
			handshake.errs <- err
		} else {
			handshake.results <- trains
		}
	case store.SearchStatusError:
		handshake.errs <- &RemoteError{RequestID: snapshot.ID, Message: snapshot.Error}
	default:
		return false
	}
	handshake.Close()
	return true
}

func decodeTrains(resultsJSON string) ([]booking.Train, error) {
	if resultsJSON == "" {
		return []booking.Train{}, nil
	}
	var trains []booking.Train
	if err := json.Unmarshal([]byte(resultsJSON), &trains); err != nil {
		return nil, fmt.Errorf("%w: results payload: %v", store.ErrMalformedRecord, err)
	}
	if trains == nil {
		trains = []booking.Train{}
	}
	return trains, nil
}

// EncodeTrains serializes a result sequence for the store record. Shared
// with the worker so both sides agree on the wire shape.
func EncodeTrains(trains []booking.Train) (string, error) {
	if trains == nil {
		trains = []booking.Train{}
	}
	encoded, err := json.Marshal(trains)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
