package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crewtrain/internal/platform/logger"

	"github.com/google/uuid"
)

type Kind string

const (
	AttemptStarted         Kind = "attempt.started"
	AttemptGraded          Kind = "attempt.graded"
	ChapterProgressChanged Kind = "chapter_progress.changed"
	CourseCompleted        Kind = "course_progress.completed"
)

// Event is the payload carried on the bus. Fields not relevant to a Kind
// stay zero.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	UserID     int64     `json:"user_id"`

	ExamID        int64   `json:"exam_id,omitempty"`
	AttemptID     int64   `json:"attempt_id,omitempty"`
	AttemptNumber int     `json:"attempt_number,omitempty"`
	Status        string  `json:"status,omitempty"`
	Score         float64 `json:"score,omitempty"`
	Passed        bool    `json:"passed,omitempty"`

	CourseID  int64  `json:"course_id,omitempty"`
	ChapterID int64  `json:"chapter_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Handler func(ctx context.Context, ev Event) error

// Bus dispatches events synchronously in subscription order. Kind-specific
// handlers run before catch-all handlers.
type Bus struct {
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{
		log:      log.With("service", "EventBus"),
		handlers: make(map[Kind][]Handler),
	}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
}

// Publish stamps ID and OccurredAt when missing, then runs every handler.
// All handlers run even if one fails; failures are joined.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Kind])+len(b.all))
	hs = append(hs, b.handlers[ev.Kind]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			b.log.Warn("event handler failed", "kind", ev.Kind, "event_id", ev.ID.String(), "error", err)
			errs = append(errs, fmt.Errorf("handle %s: %w", ev.Kind, err))
		}
	}
	return errors.Join(errs...)
}
