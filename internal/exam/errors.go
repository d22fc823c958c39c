package exam

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExamNotFound          = errors.New("exam not found")
	ErrExamUnpublished       = errors.New("exam is not published")
	ErrExamInactive          = errors.New("exam is not active")
	ErrExhaustedAttempts     = errors.New("no attempts left for this exam")
	ErrCooldownActive        = errors.New("retake cooldown is active")
	ErrNoActiveAttempt       = errors.New("no attempt in progress")
	ErrAlreadySubmitted      = errors.New("attempt already submitted")
	ErrConcurrentAttempt     = errors.New("another attempt is already in progress")
	ErrInvalidInput          = errors.New("invalid input")
	ErrWrongQuestionNotFound = errors.New("wrong question not found")
	ErrNoGradedAttempt       = errors.New("no graded attempt for this exam")
)

type CooldownError struct {
	NextRetakeAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s until %s", ErrCooldownActive, e.NextRetakeAt.Format(time.RFC3339))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }

type ExhaustedError struct {
	MaxAttempts int
	Attempts    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d of %d used", ErrExhaustedAttempts, e.Attempts, e.MaxAttempts)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhaustedAttempts }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }
