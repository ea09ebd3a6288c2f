package types

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownHouse      = errors.New("unknown house")
	ErrAlreadyRegistered = errors.New("house already registered")
	ErrInvalidPhase      = errors.New("invalid phase")
	ErrInvalidTelemetry  = errors.New("invalid telemetry")
	ErrInvalidSettings   = errors.New("invalid settings")
)

// RejectionReason classifies why a recommended switch was dropped during
// validation.
type RejectionReason string

const (
	RejectionUnknownHouse  RejectionReason = "unknown_house"
	RejectionCooldown      RejectionReason = "cooldown"
	RejectionNoImprovement RejectionReason = "no_improvement"
	RejectionWeakMove      RejectionReason = "weak_move"
	RejectionPanic         RejectionReason = "panic"
)

// RejectionError is returned when a candidate switch fails validation. The
// cycle still completes, just without a recommendation.
type RejectionError struct {
	HouseID string
	Reason  RejectionReason
	Detail  string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("switch for %s rejected: %s", e.HouseID, e.Reason)
	}
	return fmt.Sprintf("switch for %s rejected: %s (%s)", e.HouseID, e.Reason, e.Detail)
}

// Is lets callers match an unknown-house rejection with errors.Is(err,
// ErrUnknownHouse).
func (e *RejectionError) Is(target error) bool {
	return target == ErrUnknownHouse && e.Reason == RejectionUnknownHouse
}

// PersistenceError wraps a failure to durably record something that already
// happened in memory. It never implies the in-memory change was undone.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
