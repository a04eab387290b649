// Package xerrors defines the error taxonomy shared by every layer of the
// trading engine. Every rejection that reaches a caller is classified into
// one of these kinds so that callers can decide retry/surface/halt
// behaviour without string-matching error text.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions. It is never
// used as the sole error value — always wrapped with context via New or Wrap.
type Kind string

const (
	KindConfig             Kind = "config"
	KindAuth               Kind = "auth"
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate_limited"
	KindUncertainPlacement Kind = "uncertain_placement"
	KindInvalidOrder       Kind = "invalid_order"
	KindUnsupported        Kind = "unsupported"
	KindKillSwitch         Kind = "kill_switch"
	KindDrawdown           Kind = "drawdown"
	KindRiskRejected       Kind = "risk_rejected"
	KindStateCorrupt       Kind = "state_corrupt"
	KindInternal           Kind = "internal"
)

// Sentinel errors for errors.Is comparisons. Error lets every wrapped
// instance carry its own message and correlation ID while still matching
// these sentinels via Unwrap.
var (
	ErrConfig             = errors.New("config error")
	ErrAuth               = errors.New("auth error")
	ErrNetwork            = errors.New("network error")
	ErrRateLimited        = errors.New("rate limited")
	ErrUncertainPlacement = errors.New("uncertain placement")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrUnsupported        = errors.New("unsupported")
	ErrKillSwitch         = errors.New("kill switch active")
	ErrDrawdown           = errors.New("drawdown limit breached")
	ErrRiskRejected       = errors.New("risk rejected")
	ErrStateCorrupt       = errors.New("state corrupt")
	ErrInternal           = errors.New("internal error")
)

var sentinelByKind = map[Kind]error{
	KindConfig:             ErrConfig,
	KindAuth:               ErrAuth,
	KindNetwork:            ErrNetwork,
	KindRateLimited:        ErrRateLimited,
	KindUncertainPlacement: ErrUncertainPlacement,
	KindInvalidOrder:       ErrInvalidOrder,
	KindUnsupported:        ErrUnsupported,
	KindKillSwitch:         ErrKillSwitch,
	KindDrawdown:           ErrDrawdown,
	KindRiskRejected:       ErrRiskRejected,
	KindStateCorrupt:       ErrStateCorrupt,
	KindInternal:           ErrInternal,
}

// Error is a classified, human-readable error carrying an optional
// correlation ID for log correlation across components.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Venue         string
	err           error // wrapped sentinel, matched by errors.Is/As
	cause         error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Venue != "" {
		if e.CorrelationID != "" {
			return fmt.Sprintf("[%s] %s (venue=%s, cid=%s)", e.Kind, e.Message, e.Venue, e.CorrelationID)
		}
		return fmt.Sprintf("[%s] %s (venue=%s)", e.Kind, e.Message, e.Venue)
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("[%s] %s (cid=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind's sentinel and the underlying cause to
// errors.Is/errors.As chains.
func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.err, e.cause}
	}
	return []error{e.err}
}

// New builds a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, err: sentinelFor(kind)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As and
// %w formatting of the original cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: sentinelFor(kind), cause: cause}
}

// WithCorrelationID attaches a request/correlation id used for log
// correlation and returns the same *Error for chaining.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithVenue attaches the venue name that produced the error.
func (e *Error) WithVenue(venue string) *Error {
	e.Venue = venue
	return e
}

func sentinelFor(kind Kind) error {
	if s, ok := sentinelByKind[kind]; ok {
		return s
	}
	return ErrInternal
}

// Is reports whether err is classified as the given kind, looking through
// wrapping.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinelFor(kind))
}
