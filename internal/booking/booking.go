// Package booking defines the boundary to the third-party booking system.
// The core only depends on the Provider interface; the korail subpackage
// supplies the HTTP implementation.
package booking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Seat codes reported by the booking system for the general car.
const (
	SeatCodeReservable  = "11"
	SeatCodeStandingMix = "15"
)

// Seat labels shown to the user for each seat code.
const (
	SeatLabelReservable  = "예약가능"
	SeatLabelStandingMix = "입석+좌석"
	SeatLabelSoldOut     = "매진"
)

var (
	// ErrInvalidDate indicates the query date is not an 8-digit calendar date.
	ErrInvalidDate = errors.New("booking: date must be 8 digits (YYYYMMDD)")
	// ErrInvalidTimeFloor indicates the time floor is not a 6-digit time.
	ErrInvalidTimeFloor = errors.New("booking: time floor must be 6 digits (HHMMSS)")
	// ErrInvalidStation indicates an empty station name.
	ErrInvalidStation = errors.New("booking: station name required")
	// ErrCredentialsRejected indicates the booking system refused the
	// member credentials, as opposed to a transient transport failure.
	ErrCredentialsRejected = errors.New("booking: credentials rejected")
)

var (
	datePattern = regexp.MustCompile(`^\d{8}$`)
	timePattern = regexp.MustCompile(`^\d{6}$`)
)

// Train is the value type embedded in search results. Field names are part
// of the wire contract shared with the worker.
type Train struct {
	TrainNo         string `json:"train_no"`
	TrainName       string `json:"train_name"`
	DepName         string `json:"dep_name"`
	ArrName         string `json:"arr_name"`
	DepDate         string `json:"dep_date"`
	DepTime         string `json:"dep_time"` // 14-digit date+time
	ArrTime         string `json:"arr_time"` // 14-digit date+time
	GeneralSeat     string `json:"general_seat"`
	ReservePossible bool   `json:"reserve_possible"`
}

// DepTimeOfDay returns the 6-digit time component of the 14-digit departure
// stamp, or the stamp unchanged when it is already bare.
func (t Train) DepTimeOfDay() string {
	if len(t.DepTime) >= 14 {
		return t.DepTime[8:14]
	}
	return t.DepTime
}

// SeatLabel maps a raw general-car seat code to its user-facing label.
func SeatLabel(code string, reservePossible bool) string {
	switch {
	case reservePossible && code == SeatCodeReservable:
		return SeatLabelReservable
	case code == SeatCodeStandingMix:
		return SeatLabelStandingMix
	default:
		return SeatLabelSoldOut
	}
}

// Query describes one availability search: trains departing dep for arr on
// Date at or after TimeFloor.
type Query struct {
	DepStation string
	ArrStation string
	Date       string // YYYYMMDD
	TimeFloor  string // HHMMSS
}

// Validate checks the digit shapes and station names.
func (q Query) Validate() error {
	if q.DepStation == "" || q.ArrStation == "" {
		return ErrInvalidStation
	}
	if !datePattern.MatchString(q.Date) {
		return fmt.Errorf("%w: got %q", ErrInvalidDate, q.Date)
	}
	if !timePattern.MatchString(q.TimeFloor) {
		return fmt.Errorf("%w: got %q", ErrInvalidTimeFloor, q.TimeFloor)
	}
	return nil
}

// Selection identifies the train a user chose to watch.
type Selection struct {
	TrainNo   string
	TrainName string
	DepDate   string
	DepTime   string
	DepName   string
	ArrName   string
}

// Provider is the booking-system boundary consumed by the worker and by the
// legacy login endpoint.
type Provider interface {
	Login(ctx context.Context, memberID, password string) error
	Search(ctx context.Context, query Query) ([]Train, error)
	Reserve(ctx context.Context, train Train) error
}
