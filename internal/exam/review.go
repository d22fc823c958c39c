package exam

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ReviewItem is one question of a graded attempt shown back to the trainee
// together with its key.
type ReviewItem struct {
	QuestionID    int64        `json:"question_id"`
	Type          QuestionType `json:"question_type"`
	Content       string       `json:"content"`
	Category      string       `json:"category"`
	Options       []Option     `json:"options,omitempty"`
	UserAnswer    UserAnswer   `json:"user_answer"`
	CorrectAnswer string       `json:"correct_answer"`
	IsCorrect     bool         `json:"is_correct"`
	Explanation   string       `json:"explanation,omitempty"`
}

type AttemptResult struct {
	Attempt   Attempt      `json:"attempt"`
	ExamTitle string       `json:"exam_title"`
	PassScore float64      `json:"pass_score"`
	Questions []ReviewItem `json:"questions"`
}

// AttemptResult returns the user's most recent graded attempt on the exam
// with correct answers and explanations. An attempt still in progress is
// never reviewed.
func (s *Service) AttemptResult(ctx context.Context, userID, examID int64) (*AttemptResult, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if examID <= 0 {
		return nil, &ValidationError{Field: "exam_id", Reason: "is required"}
	}

	exam, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, userID, &examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	var graded *Attempt
	for i := range attempts {
		if attempts[i].Graded() {
			graded = &attempts[i]
			break
		}
	}
	if graded == nil {
		return nil, ErrNoGradedAttempt
	}

	ids := graded.QuestionIDs
	if len(ids) == 0 {
		ids = make([]int64, 0, len(graded.Answers))
		for _, a := range graded.Answers {
			ids = append(ids, a.QuestionID)
		}
	}
	byID, err := s.store.GetQuestions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	answers := make(map[int64]GradedAnswer, len(graded.Answers))
	for _, a := range graded.Answers {
		answers[a.QuestionID] = a
	}

	out := &AttemptResult{
		Attempt:   *graded,
		ExamTitle: exam.Title,
		PassScore: exam.PassScore,
		Questions: make([]ReviewItem, 0, len(ids)),
	}
	for _, id := range ids {
		ans := answers[id]
		item := ReviewItem{QuestionID: id, UserAnswer: ans.UserAnswer, IsCorrect: ans.IsCorrect}
		if q, ok := byID[id]; ok {
			item.Type = q.Type
			item.Content = q.Content
			item.Category = q.Category
			item.Explanation = q.Explanation
			item.Options, item.CorrectAnswer = revealKey(q.Key)
		}
		out.Questions = append(out.Questions, item)
	}
	return out, nil
}

func revealKey(key AnswerKey) ([]Option, string) {
	switch k := key.(type) {
	case SingleChoiceKey:
		return k.Options, k.correct
	case MultipleChoiceKey:
		return k.Options, strings.Join(k.correct, ",")
	case TrueFalseKey:
		return nil, strconv.FormatBool(k.Answer)
	default:
		return nil, ""
	}
}
