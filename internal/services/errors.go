package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrForbidden           = errors.New("forbidden")
	ErrConnectionNotActive = errors.New("connection not active")
	ErrConnectionSuspended = errors.New("connection suspended")
	ErrDuplicateDevice     = errors.New("device already registered")
	ErrPlanLimitExceeded   = errors.New("plan limit exceeded")
	ErrOpenTradesExist     = errors.New("connection has open trades")
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
)

// OpenTradesError carries the number of open trades blocking a revoke.
type OpenTradesError struct {
	Count int64
}

func (e *OpenTradesError) Error() string {
	return fmt.Sprintf("connection has %d open trade(s); close them before revoking", e.Count)
}

func (e *OpenTradesError) Unwrap() error { return ErrOpenTradesExist }

// PlanLimitError reports which entitlement was exhausted.
type PlanLimitError struct {
	Limit   string
	Max     int
	Current int64
}

func (e *PlanLimitError) Error() string {
	if e.Limit == "bridging" {
		return "plan does not include remote bridging"
	}
	return fmt.Sprintf("plan allows %d %s, %d in use", e.Max, e.Limit, e.Current)
}

func (e *PlanLimitError) Unwrap() error { return ErrPlanLimitExceeded }

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
