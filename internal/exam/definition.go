package exam

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

type Option struct {
	Label     string `json:"label"`
	Content   string `json:"content"`
	IsCorrect bool   `json:"is_correct"`
}

// AnswerKey is the grading half of a question. The concrete variants are
// SingleChoiceKey, MultipleChoiceKey, TrueFalseKey and UnsupportedKey.
type AnswerKey interface {
	questionType() QuestionType
}

type SingleChoiceKey struct {
	Options []Option
	correct string
}

type MultipleChoiceKey struct {
	Options []Option
	correct []string
}

type TrueFalseKey struct {
	Answer bool
}

// UnsupportedKey marks questions the auto-grader cannot score. Reason is set
// when the stored definition was malformed rather than merely ungradable.
type UnsupportedKey struct {
	Type   QuestionType
	Reason string
}

func (SingleChoiceKey) questionType() QuestionType   { return QuestionSingleChoice }
func (MultipleChoiceKey) questionType() QuestionType { return QuestionMultipleChoice }
func (TrueFalseKey) questionType() QuestionType      { return QuestionTrueFalse }
func (k UnsupportedKey) questionType() QuestionType  { return k.Type }

func NewSingleChoiceKey(options []Option) (SingleChoiceKey, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return SingleChoiceKey{}, err
	}
	correct := correctLabels(opts)
	if len(correct) != 1 {
		return SingleChoiceKey{}, &ValidationError{Field: "options", Reason: "single choice needs exactly one correct option"}
	}
	return SingleChoiceKey{Options: opts, correct: correct[0]}, nil
}

func NewMultipleChoiceKey(options []Option) (MultipleChoiceKey, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return MultipleChoiceKey{}, err
	}
	correct := correctLabels(opts)
	if len(correct) == 0 {
		return MultipleChoiceKey{}, &ValidationError{Field: "options", Reason: "multiple choice needs at least one correct option"}
	}
	return MultipleChoiceKey{Options: opts, correct: correct}, nil
}

func NewTrueFalseKey(answer string) (TrueFalseKey, error) {
	v, ok := parseTrueFalse(answer)
	if !ok {
		return TrueFalseKey{}, &ValidationError{Field: "correct_answer", Reason: "true/false answer must be a boolean"}
	}
	return TrueFalseKey{Answer: v}, nil
}

func normalizeOptions(options []Option) ([]Option, error) {
	if len(options) < 2 {
		return nil, &ValidationError{Field: "options", Reason: "at least two options are required"}
	}
	seen := make(map[string]struct{}, len(options))
	out := make([]Option, 0, len(options))
	for _, o := range options {
		o.Label = normalizeLabel(o.Label)
		if o.Label == "" {
			return nil, &ValidationError{Field: "options", Reason: "option label is required"}
		}
		if _, dup := seen[o.Label]; dup {
			return nil, &ValidationError{Field: "options", Reason: "duplicate option label " + o.Label}
		}
		seen[o.Label] = struct{}{}
		o.Content = strings.TrimSpace(o.Content)
		out = append(out, o)
	}
	return out, nil
}

func correctLabels(opts []Option) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		if o.IsCorrect {
			out = append(out, o.Label)
		}
	}
	sort.Strings(out)
	return out
}

type Question struct {
	ID          int64        `json:"id"`
	Type        QuestionType `json:"question_type"`
	Content     string       `json:"content"`
	Category    string       `json:"category"`
	Explanation string       `json:"explanation,omitempty"`
	Active      bool         `json:"is_active"`
	Key         AnswerKey    `json:"-"`
}

// QuestionRecord is a question as stored: options as raw JSON and the
// correct answer as free text.
type QuestionRecord struct {
	ID            int64
	Type          string
	Content       string
	Category      string
	Options       []byte
	CorrectAnswer string
	Explanation   string
	Active        bool
}

// DecodeQuestion validates a stored record into a Question with a typed
// answer key. Malformed definitions return an error; callers that must keep
// going can use the returned question, which carries an UnsupportedKey.
func DecodeQuestion(rec QuestionRecord) (Question, error) {
	q := Question{
		ID:          rec.ID,
		Type:        QuestionType(strings.ToLower(strings.TrimSpace(rec.Type))),
		Content:     rec.Content,
		Category:    rec.Category,
		Explanation: rec.Explanation,
		Active:      rec.Active,
	}

	var err error
	switch q.Type {
	case QuestionSingleChoice, QuestionMultipleChoice:
		var opts []Option
		opts, err = decodeOptions(rec.Options)
		if err == nil {
			opts = applyCorrectAnswer(opts, rec.CorrectAnswer)
			if q.Type == QuestionSingleChoice {
				q.Key, err = NewSingleChoiceKey(opts)
			} else {
				q.Key, err = NewMultipleChoiceKey(opts)
			}
		}
	case QuestionTrueFalse:
		q.Key, err = NewTrueFalseKey(rec.CorrectAnswer)
	default:
		q.Key = UnsupportedKey{Type: q.Type}
		return q, nil
	}

	if err != nil {
		q.Key = UnsupportedKey{Type: q.Type, Reason: err.Error()}
		return q, fmt.Errorf("question %d: %w", rec.ID, err)
	}
	return q, nil
}

func decodeOptions(raw []byte) ([]Option, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "options", Reason: "options are required"}
	}
	var opts []Option
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, &ValidationError{Field: "options", Reason: "options must be a list of {label, content, is_correct}"}
	}
	return opts, nil
}

// applyCorrectAnswer lets legacy rows mark correctness through the
// correct_answer column ("B" or "A,C") instead of per-option flags.
func applyCorrectAnswer(opts []Option, correctAnswer string) []Option {
	for _, o := range opts {
		if o.IsCorrect {
			return opts
		}
	}
	labels := splitLabels(correctAnswer)
	if len(labels) == 0 {
		return opts
	}
	want := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		want[l] = struct{}{}
	}
	out := make([]Option, len(opts))
	for i, o := range opts {
		_, ok := want[normalizeLabel(o.Label)]
		o.IsCorrect = ok
		out[i] = o
	}
	return out
}

type PresentedOption struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// PresentedQuestion is what a trainee sees: no correctness flags.
type PresentedQuestion struct {
	ID       int64             `json:"id"`
	Type     QuestionType      `json:"question_type"`
	Content  string            `json:"content"`
	Category string            `json:"category"`
	Options  []PresentedOption `json:"options,omitempty"`
}

func (q Question) Present() PresentedQuestion {
	p := PresentedQuestion{ID: q.ID, Type: q.Type, Content: q.Content, Category: q.Category}
	var opts []Option
	switch k := q.Key.(type) {
	case SingleChoiceKey:
		opts = k.Options
	case MultipleChoiceKey:
		opts = k.Options
	}
	for _, o := range opts {
		p.Options = append(p.Options, PresentedOption{Label: o.Label, Content: o.Content})
	}
	return p
}

const (
	ExamTypeChapterQuiz   = "chapter_quiz"
	ExamTypeDailyQuiz     = "daily_quiz"
	ExamTypeWeeklyTest    = "weekly_test"
	ExamTypeMonthlyExam   = "monthly_exam"
	ExamTypeFinalExam     = "final_exam"
	ExamTypeProbationExam = "probation_exam"
)

func isExamType(t string) bool {
	switch t {
	case ExamTypeChapterQuiz, ExamTypeDailyQuiz, ExamTypeWeeklyTest,
		ExamTypeMonthlyExam, ExamTypeFinalExam, ExamTypeProbationExam:
		return true
	default:
		return false
	}
}

type Exam struct {
	ID                 int64          `json:"id"`
	Title              string         `json:"title"`
	ExamType           string         `json:"exam_type"`
	CourseID           *int64         `json:"course_id,omitempty"`
	ChapterID          *int64         `json:"chapter_id,omitempty"`
	TotalQuestions     int            `json:"total_questions"`
	PassScore          float64        `json:"pass_score"`
	TimeLimitMinutes   *int           `json:"time_limit_minutes,omitempty"`
	QuestionIDs        []int64        `json:"question_ids,omitempty"`
	Distribution       map[string]int `json:"question_distribution,omitempty"`
	AllowRetake        bool           `json:"allow_retake"`
	MaxAttempts        int            `json:"max_attempts"`
	RetakeCooldownDays int            `json:"retake_cooldown_days"`
	IsPublished        bool           `json:"is_published"`
	IsActive           bool           `json:"is_active"`
}

func (e *Exam) Validate() error {
	switch {
	case !isExamType(e.ExamType):
		return &ValidationError{Field: "exam_type", Reason: "unknown exam type " + strconv.Quote(e.ExamType)}
	case e.PassScore < 0 || e.PassScore > 100:
		return &ValidationError{Field: "pass_score", Reason: "must be between 0 and 100"}
	case e.MaxAttempts <= 0:
		return &ValidationError{Field: "max_attempts", Reason: "must be greater than 0"}
	case e.RetakeCooldownDays < 0:
		return &ValidationError{Field: "retake_cooldown_days", Reason: "must not be negative"}
	case e.TotalQuestions < 0:
		return &ValidationError{Field: "total_questions", Reason: "must not be negative"}
	case e.TimeLimitMinutes != nil && *e.TimeLimitMinutes <= 0:
		return &ValidationError{Field: "time_limit_minutes", Reason: "must be greater than 0"}
	}
	for category, n := range e.Distribution {
		if strings.TrimSpace(category) == "" || n <= 0 {
			return &ValidationError{Field: "question_distribution", Reason: "every category needs a positive count"}
		}
	}
	return nil
}

func (e *Exam) RetakeCooldown() time.Duration {
	return time.Duration(e.RetakeCooldownDays) * 24 * time.Hour
}
