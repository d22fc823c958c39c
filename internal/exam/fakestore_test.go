package exam

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fakeStore mirrors the guarantees of the postgres schema: one in-progress
// attempt per (user, exam), unique attempt numbers, and a graded-once write.
type fakeStore struct {
	mu        sync.Mutex
	exams     map[int64]*Exam
	questions map[int64]Question
	attempts  []*Attempt
	wrong     []*WrongQuestion
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exams:     make(map[int64]*Exam),
		questions: make(map[int64]Question),
	}
}

func (f *fakeStore) addExam(e Exam) *Exam {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := e
	f.exams[e.ID] = &cp
	return &cp
}

func (f *fakeStore) addQuestion(q Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions[q.ID] = q
}

func (f *fakeStore) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.exams[examID]
	if !ok {
		return nil, ErrExamNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) GetQuestions(ctx context.Context, ids []int64) (map[int64]Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]Question, len(ids))
	for _, id := range ids {
		if q, ok := f.questions[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveQuestionsByCategory(ctx context.Context, category string, courseID, chapterID *int64, limit int) ([]Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0)
	for id, q := range f.questions {
		if q.Active && q.Category == category {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Question, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.questions[id])
	}
	return out, nil
}

func (f *fakeStore) ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Attempt, 0)
	for _, a := range f.attempts {
		if a.UserID != userID {
			continue
		}
		if examID != nil && a.ExamID != *examID {
			continue
		}
		out = append(out, copyAttempt(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if examID != nil && out[i].AttemptNumber != out[j].AttemptNumber {
			return out[i].AttemptNumber > out[j].AttemptNumber
		}
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.attempts {
		if existing.UserID != a.UserID || existing.ExamID != a.ExamID {
			continue
		}
		if existing.Status == StatusInProgress || existing.AttemptNumber == a.AttemptNumber {
			return ErrConcurrentAttempt
		}
	}
	f.nextID++
	a.ID = f.nextID
	if a.Version <= 0 {
		a.Version = 1
	}
	cp := copyAttempt(a)
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeStore) GradeAttempt(ctx context.Context, g Grading) (*Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var target *Attempt
	for _, a := range f.attempts {
		if a.ID == g.AttemptID {
			target = a
		}
	}
	if target == nil {
		return nil, ErrNoActiveAttempt
	}
	if target.SubmittedAt != nil || target.Status != StatusInProgress || target.Version != g.Version {
		return nil, ErrAlreadySubmitted
	}

	at := g.GradedAt
	score := g.Score
	correct := g.CorrectCount
	target.Status = g.Status
	target.Score = &score
	target.CorrectCount = &correct
	target.Answers = append([]GradedAnswer(nil), g.Answers...)
	target.SubmittedAt = &at
	target.GradedAt = &at
	target.TimeSpent = g.TimeSpent
	target.CanRetake = g.CanRetake
	target.NextRetakeAt = g.NextRetakeAt
	target.Version++

	for _, w := range g.Wrong {
		f.upsertWrong(g.UserID, g.AttemptID, w, at)
	}
	out := copyAttempt(target)
	return &out, nil
}

func (f *fakeStore) upsertWrong(userID, attemptID int64, w GradedAnswer, at time.Time) {
	aid := attemptID
	for _, existing := range f.wrong {
		if existing.UserID == userID && existing.QuestionID == w.QuestionID {
			existing.WrongCount++
			existing.ExamAttemptID = &aid
			existing.LastWrongAt = at
			existing.MyAnswer = w.UserAnswer.String()
			existing.Mastered = false
			existing.MasteredAt = nil
			return
		}
	}
	f.wrong = append(f.wrong, &WrongQuestion{
		ID:            int64(len(f.wrong) + 1),
		UserID:        userID,
		QuestionID:    w.QuestionID,
		ExamAttemptID: &aid,
		WrongCount:    1,
		LastWrongAt:   at,
		MyAnswer:      w.UserAnswer.String(),
	})
}

func (f *fakeStore) ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WrongQuestion, 0)
	for _, w := range f.wrong {
		if w.UserID == userID && (includeMastered || !w.Mastered) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastWrongAt.After(out[j].LastWrongAt) })
	return out, nil
}

func (f *fakeStore) MarkWrongQuestionMastered(ctx context.Context, userID, id int64, at time.Time) (*WrongQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wrong {
		if w.ID == id && w.UserID == userID {
			w.Mastered = true
			if w.MasteredAt == nil {
				w.MasteredAt = &at
			}
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWrongQuestionNotFound
}

func (f *fakeStore) attempt(id int64) Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == id {
			return copyAttempt(a)
		}
	}
	return Attempt{}
}

func copyAttempt(a *Attempt) Attempt {
	cp := *a
	cp.QuestionIDs = append([]int64(nil), a.QuestionIDs...)
	cp.Answers = append([]GradedAnswer(nil), a.Answers...)
	return cp
}
