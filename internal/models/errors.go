package models

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a payload that failed its schema constraints.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets callers use errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Bounds shared by every 1..7 Likert item.
const (
	LikertMin = 1
	LikertMax = 7
)

func checkLikert(field string, v int) error {
	if v == 0 {
		return invalid(field, "is required")
	}
	if v < LikertMin || v > LikertMax {
		return invalid(field, "must be between %d and %d", LikertMin, LikertMax)
	}
	return nil
}
