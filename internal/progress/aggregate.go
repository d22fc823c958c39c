package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewtrain/internal/events"
	"crewtrain/internal/platform/logger"
)

// Aggregate derives course progress from the user's chapter rows and the
// live chapter list. It reports whether anything differs from prev; callers
// write only when it does.
//
// Rows for chapters that are no longer part of the course are ignored.
func Aggregate(prev CourseProgress, chapters []ChapterProgress, liveChapterIDs []int64, at time.Time) (CourseProgress, bool) {
	live := make(map[int64]struct{}, len(liveChapterIDs))
	for _, id := range liveChapterIDs {
		live[id] = struct{}{}
	}

	completed := 0
	started := false
	for _, c := range chapters {
		if _, ok := live[c.ChapterID]; !ok {
			continue
		}
		switch c.Status {
		case StatusCompleted:
			completed++
			started = true
		case StatusInProgress:
			started = true
		}
	}
	total := len(live)

	next := prev
	if next.Status == "" {
		next.Status = StatusNotStarted
	}
	next.CompletedChapters = completed
	next.TotalChapters = total
	next.ProgressPercentage = 0
	if total > 0 {
		next.ProgressPercentage = float64(completed) / float64(total) * 100
	}

	switch {
	case total > 0 && completed == total:
		next.Status = StatusCompleted
	case completed > 0:
		next.Status = StatusInProgress
	case next.Status == StatusCompleted:
		next.Status = StatusInProgress
	case next.Status == StatusNotStarted && started:
		next.Status = StatusInProgress
	}

	if next.Status != StatusNotStarted && next.StartedAt == nil {
		t := at
		next.StartedAt = &t
	}
	if next.Status == StatusCompleted && next.CompletedAt == nil {
		t := at
		next.CompletedAt = &t
	}

	changed := next.Status != prev.Status ||
		next.CompletedChapters != prev.CompletedChapters ||
		next.TotalChapters != prev.TotalChapters ||
		next.ProgressPercentage != prev.ProgressPercentage ||
		!sameTime(next.StartedAt, prev.StartedAt) ||
		!sameTime(next.CompletedAt, prev.CompletedAt)
	if changed && (next.LastAccessedAt == nil || at.After(*next.LastAccessedAt)) {
		t := at
		next.LastAccessedAt = &t
	}
	return next, changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Aggregator keeps course rows in step with chapter rows. It is driven by
// ChapterProgressChanged events.
type Aggregator struct {
	catalog Catalog
	store   Store
	log     *logger.Logger
	events  eventPublisher
}

func NewAggregator(store Store, catalog Catalog, log *logger.Logger, pub eventPublisher) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	return &Aggregator{
		catalog: catalog,
		store:   store,
		log:     log.With("service", "ProgressAggregator"),
		events:  pub,
	}
}

// Handle is the bus subscriber for ChapterProgressChanged.
func (a *Aggregator) Handle(ctx context.Context, ev events.Event) error {
	if ev.UserID <= 0 || ev.CourseID <= 0 {
		a.log.Warn("chapter progress event without user or course", "event_id", ev.ID.String())
		return nil
	}
	_, err := a.Recompute(ctx, ev.UserID, ev.CourseID, ev.OccurredAt)
	return err
}

// Recompute rebuilds the course row for (user, course). A course that no
// longer exists is left alone and yields nil, nil.
func (a *Aggregator) Recompute(ctx context.Context, userID, courseID int64, at time.Time) (*CourseProgress, error) {
	liveIDs, err := a.catalog.CourseChapterIDs(ctx, courseID)
	if errors.Is(err, ErrCourseNotFound) {
		a.log.Debug("skip recompute for missing course", "user_id", userID, "course_id", courseID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load course chapters: %w", err)
	}

	rows, err := a.store.ListChapterProgress(ctx, userID, &courseID)
	if err != nil {
		return nil, fmt.Errorf("load chapter progress: %w", err)
	}
	prev, err := a.store.GetCourseProgress(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("load course progress: %w", err)
	}

	base := CourseProgress{UserID: userID, CourseID: courseID, Status: StatusNotStarted}
	if prev != nil {
		base = *prev
	}
	next, changed := Aggregate(base, rows, liveIDs, at)
	if !changed {
		return &base, nil
	}
	next.UpdatedAt = at
	if err := a.store.SaveCourseProgress(ctx, &next); err != nil {
		return nil, fmt.Errorf("save course progress: %w", err)
	}

	if next.Status == StatusCompleted && base.CompletedAt == nil {
		a.log.Info("course completed", "user_id", userID, "course_id", courseID)
		if a.events != nil {
			if err := a.events.Publish(ctx, events.Event{
				Kind:       events.CourseCompleted,
				OccurredAt: at,
				UserID:     userID,
				CourseID:   courseID,
				Status:     string(next.Status),
			}); err != nil {
				a.log.Warn("publish course completed failed", "user_id", userID, "course_id", courseID, "error", err)
			}
		}
	}
	return &next, nil
}
