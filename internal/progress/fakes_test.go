package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fakeCatalog struct {
	mu       sync.Mutex
	courses  map[int64][]int64 // course -> chapters
	chapters map[int64]int64   // chapter -> course
	contents map[int64]int64   // content -> chapter
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		courses:  make(map[int64][]int64),
		chapters: make(map[int64]int64),
		contents: make(map[int64]int64),
	}
}

func (c *fakeCatalog) addCourse(courseID int64, chapterIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.courses[courseID] = append(c.courses[courseID], chapterIDs...)
	for _, id := range chapterIDs {
		c.chapters[id] = courseID
	}
}

func (c *fakeCatalog) addContents(chapterID int64, contentIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range contentIDs {
		c.contents[id] = chapterID
	}
}

func (c *fakeCatalog) removeCourse(courseID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.courses, courseID)
}

func (c *fakeCatalog) Chapter(ctx context.Context, chapterID int64) (Chapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	courseID, ok := c.chapters[chapterID]
	if !ok {
		return Chapter{}, ErrChapterNotFound
	}
	return Chapter{ID: chapterID, CourseID: courseID}, nil
}

func (c *fakeCatalog) Content(ctx context.Context, contentID int64) (Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chapterID, ok := c.contents[contentID]
	if !ok {
		return Content{}, ErrContentNotFound
	}
	return Content{ID: contentID, ChapterID: chapterID}, nil
}

func (c *fakeCatalog) ChapterContentIDs(ctx context.Context, chapterID int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0)
	for id, ch := range c.contents {
		if ch == chapterID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (c *fakeCatalog) CourseChapterIDs(ctx context.Context, courseID int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.courses[courseID]
	if !ok {
		return nil, ErrCourseNotFound
	}
	return append([]int64(nil), ids...), nil
}

type contentKey struct{ user, content int64 }

// fakeStore applies the same monotonic rules as the postgres upserts.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	chapters    map[[2]int64]*ChapterProgress
	courses     map[[2]int64]*CourseProgress
	completions map[contentKey]time.Time
	courseSaves int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chapters:    make(map[[2]int64]*ChapterProgress),
		courses:     make(map[[2]int64]*CourseProgress),
		completions: make(map[contentKey]time.Time),
	}
}

func (f *fakeStore) GetChapterProgress(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.chapters[[2]int64{userID, chapterID}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) SaveChapterProgress(ctx context.Context, p *ChapterProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{p.UserID, p.ChapterID}
	if existing, ok := f.chapters[key]; ok {
		p.ID = existing.ID
		if existing.StartedAt != nil {
			p.StartedAt = existing.StartedAt
		}
		if existing.CompletedAt != nil {
			p.CompletedAt = existing.CompletedAt
		}
		p.QuizPassed = p.QuizPassed || existing.QuizPassed
	} else {
		f.nextID++
		p.ID = f.nextID
	}
	cp := *p
	f.chapters[key] = &cp
	return nil
}

func (f *fakeStore) ListChapterProgress(ctx context.Context, userID int64, courseID *int64) ([]ChapterProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChapterProgress, 0)
	for _, p := range f.chapters {
		if p.UserID != userID {
			continue
		}
		if courseID != nil && p.CourseID != *courseID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChapterID < out[j].ChapterID })
	return out, nil
}

func (f *fakeStore) GetCourseProgress(ctx context.Context, userID, courseID int64) (*CourseProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.courses[[2]int64{userID, courseID}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) SaveCourseProgress(ctx context.Context, p *CourseProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.courseSaves++
	key := [2]int64{p.UserID, p.CourseID}
	if existing, ok := f.courses[key]; ok {
		p.ID = existing.ID
		if existing.StartedAt != nil {
			p.StartedAt = existing.StartedAt
		}
		if existing.CompletedAt != nil {
			p.CompletedAt = existing.CompletedAt
		}
	} else {
		f.nextID++
		p.ID = f.nextID
	}
	cp := *p
	f.courses[key] = &cp
	return nil
}

func (f *fakeStore) ListCourseProgress(ctx context.Context, userID int64) ([]CourseProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CourseProgress, 0)
	for _, p := range f.courses {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (f *fakeStore) RecordContentCompletion(ctx context.Context, userID, contentID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := contentKey{userID, contentID}
	if _, ok := f.completions[key]; !ok {
		f.completions[key] = at
	}
	return nil
}

func (f *fakeStore) CountCompletedContents(ctx context.Context, userID int64, contentIDs []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range contentIDs {
		if _, ok := f.completions[contentKey{userID, id}]; ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.courseSaves
}
