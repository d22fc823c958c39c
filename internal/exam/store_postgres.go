package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	internaldb "crewtrain/internal/db"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	var (
		e            Exam
		courseID     sql.NullInt64
		chapterID    sql.NullInt64
		timeLimit    sql.NullInt64
		questionIDs  []byte
		distribution []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			id,
			title,
			exam_type,
			course_id,
			chapter_id,
			total_questions,
			pass_score,
			time_limit_minutes,
			question_ids,
			question_distribution,
			allow_retake,
			max_attempts,
			retake_cooldown_days,
			is_published,
			is_active
		FROM exams
		WHERE id = $1
	`, examID).Scan(
		&e.ID,
		&e.Title,
		&e.ExamType,
		&courseID,
		&chapterID,
		&e.TotalQuestions,
		&e.PassScore,
		&timeLimit,
		&questionIDs,
		&distribution,
		&e.AllowRetake,
		&e.MaxAttempts,
		&e.RetakeCooldownDays,
		&e.IsPublished,
		&e.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}

	if courseID.Valid {
		e.CourseID = &courseID.Int64
	}
	if chapterID.Valid {
		e.ChapterID = &chapterID.Int64
	}
	if timeLimit.Valid {
		v := int(timeLimit.Int64)
		e.TimeLimitMinutes = &v
	}
	if len(questionIDs) > 0 {
		if err := json.Unmarshal(questionIDs, &e.QuestionIDs); err != nil {
			return nil, &ValidationError{Field: "question_ids", Reason: "must be a list of ids"}
		}
	}
	if len(distribution) > 0 {
		if err := json.Unmarshal(distribution, &e.Distribution); err != nil {
			return nil, &ValidationError{Field: "question_distribution", Reason: "must map category to count"}
		}
	}
	return &e, nil
}

func (s *PostgresStore) GetQuestions(ctx context.Context, ids []int64) (map[int64]Question, error) {
	out := make(map[int64]Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_type, content, category, options, COALESCE(correct_answer, ''), COALESCE(explanation, ''), is_active
		FROM questions
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out[q.ID] = q
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListActiveQuestionsByCategory(ctx context.Context, category string, courseID, chapterID *int64, limit int) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_type, content, category, options, COALESCE(correct_answer, ''), COALESCE(explanation, ''), is_active
		FROM questions
		WHERE is_active = TRUE
		  AND category = $1
		  AND ($2::bigint IS NULL OR course_id = $2)
		  AND ($3::bigint IS NULL OR chapter_id = $3)
		ORDER BY id ASC
		LIMIT $4
	`, category, nullableID(courseID), nullableID(chapterID), limit)
	if err != nil {
		return nil, fmt.Errorf("query questions by category: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0, limit)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions by category: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQuestion decodes a row into a typed question. A malformed definition
// is kept with an UnsupportedKey so grading can continue.
func scanQuestion(r rowScanner) (Question, error) {
	var rec QuestionRecord
	if err := r.Scan(&rec.ID, &rec.Type, &rec.Content, &rec.Category, &rec.Options, &rec.CorrectAnswer, &rec.Explanation, &rec.Active); err != nil {
		return Question{}, fmt.Errorf("scan question: %w", err)
	}
	q, _ := DecodeQuestion(rec)
	return q, nil
}

const attemptColumns = `
	id,
	user_id,
	exam_id,
	attempt_number,
	status,
	score,
	correct_count,
	total_questions,
	question_ids,
	answers,
	started_at,
	submitted_at,
	graded_at,
	time_spent,
	can_retake,
	next_retake_at,
	version
`

func scanAttempt(r rowScanner) (*Attempt, error) {
	var (
		a            Attempt
		status       string
		score        sql.NullFloat64
		correctCount sql.NullInt64
		questionIDs  []byte
		answers      []byte
		submittedAt  sql.NullTime
		gradedAt     sql.NullTime
		timeSpent    sql.NullInt64
		nextRetakeAt sql.NullTime
	)
	if err := r.Scan(
		&a.ID,
		&a.UserID,
		&a.ExamID,
		&a.AttemptNumber,
		&status,
		&score,
		&correctCount,
		&a.TotalQuestions,
		&questionIDs,
		&answers,
		&a.StartedAt,
		&submittedAt,
		&gradedAt,
		&timeSpent,
		&a.CanRetake,
		&nextRetakeAt,
		&a.Version,
	); err != nil {
		return nil, err
	}

	a.Status = AttemptStatus(status)
	if score.Valid {
		a.Score = &score.Float64
	}
	if correctCount.Valid {
		v := int(correctCount.Int64)
		a.CorrectCount = &v
	}
	if submittedAt.Valid {
		a.SubmittedAt = &submittedAt.Time
	}
	if gradedAt.Valid {
		a.GradedAt = &gradedAt.Time
	}
	if timeSpent.Valid {
		v := int(timeSpent.Int64)
		a.TimeSpent = &v
	}
	if nextRetakeAt.Valid {
		a.NextRetakeAt = &nextRetakeAt.Time
	}
	if len(questionIDs) > 0 {
		if err := json.Unmarshal(questionIDs, &a.QuestionIDs); err != nil {
			return nil, fmt.Errorf("decode attempt question ids: %w", err)
		}
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode attempt answers: %w", err)
		}
	}
	return &a, nil
}

// ListAttempts orders a single exam's attempts by attempt_number so the
// latest attempt never depends on wall-clock ordering.
func (s *PostgresStore) ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error) {
	order := `started_at DESC, id DESC`
	if examID != nil {
		order = `attempt_number DESC, id DESC`
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM exam_attempts
		WHERE user_id = $1
		  AND ($2::bigint IS NULL OR exam_id = $2)
		ORDER BY `+order, userID, nullableID(examID))
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	questionIDs := a.QuestionIDs
	if questionIDs == nil {
		questionIDs = []int64{}
	}
	idsJSON, err := json.Marshal(questionIDs)
	if err != nil {
		return fmt.Errorf("encode question ids: %w", err)
	}
	if a.Version <= 0 {
		a.Version = 1
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO exam_attempts (
			user_id,
			exam_id,
			attempt_number,
			status,
			total_questions,
			question_ids,
			started_at,
			can_retake,
			version
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, FALSE, $8)
		RETURNING id
	`, a.UserID, a.ExamID, a.AttemptNumber, string(a.Status), a.TotalQuestions, idsJSON, a.StartedAt, a.Version).Scan(&a.ID)
	if err != nil {
		if internaldb.IsUniqueViolation(err) {
			return ErrConcurrentAttempt
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GradeAttempt locks the attempt row, applies the grading only if the
// attempt is still unsubmitted at the expected version, and records wrong
// answers in the same transaction.
func (s *PostgresStore) GradeAttempt(ctx context.Context, g Grading) (*Attempt, error) {
	answersJSON, err := json.Marshal(g.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grade tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadAttemptForUpdate(ctx, tx, g.AttemptID)
	if err != nil {
		return nil, err
	}
	if current.SubmittedAt != nil || current.Status != StatusInProgress {
		return nil, ErrAlreadySubmitted
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE exam_attempts
		SET status = $3,
			score = $4,
			correct_count = $5,
			answers = $6::jsonb,
			submitted_at = $7,
			graded_at = $7,
			time_spent = $8,
			can_retake = $9,
			next_retake_at = $10,
			version = version + 1
		WHERE id = $1
		  AND version = $2
		  AND submitted_at IS NULL
		RETURNING `+attemptColumns,
		g.AttemptID, g.Version, string(g.Status), g.Score, g.CorrectCount, answersJSON,
		g.GradedAt, nullableInt(g.TimeSpent), g.CanRetake, nullableTime(g.NextRetakeAt),
	)
	updated, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlreadySubmitted
		}
		return nil, fmt.Errorf("update attempt grade: %w", err)
	}

	for _, w := range g.Wrong {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wrong_questions (
				user_id, question_id, exam_attempt_id, wrong_count, last_wrong_at, my_answer, mastered
			) VALUES ($1, $2, $3, 1, $4, $5, FALSE)
			ON CONFLICT (user_id, question_id)
			DO UPDATE SET
				exam_attempt_id = EXCLUDED.exam_attempt_id,
				wrong_count = wrong_questions.wrong_count + 1,
				last_wrong_at = EXCLUDED.last_wrong_at,
				my_answer = EXCLUDED.my_answer,
				mastered = FALSE,
				mastered_at = NULL
		`, g.UserID, w.QuestionID, g.AttemptID, g.GradedAt, w.UserAnswer.String()); err != nil {
			return nil, fmt.Errorf("upsert wrong question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grade: %w", err)
	}
	return updated, nil
}

func loadAttemptForUpdate(ctx context.Context, tx *sql.Tx, attemptID int64) (*Attempt, error) {
	a, err := scanAttempt(tx.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM exam_attempts
		WHERE id = $1
		FOR UPDATE
	`, attemptID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("load attempt for update: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, question_id, exam_attempt_id, wrong_count, last_wrong_at, COALESCE(my_answer, ''), mastered, mastered_at
		FROM wrong_questions
		WHERE user_id = $1
		  AND ($2 OR mastered = FALSE)
		ORDER BY last_wrong_at DESC, id DESC
	`, userID, includeMastered)
	if err != nil {
		return nil, fmt.Errorf("query wrong questions: %w", err)
	}
	defer rows.Close()

	out := make([]WrongQuestion, 0)
	for rows.Next() {
		w, err := scanWrongQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wrong questions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkWrongQuestionMastered(ctx context.Context, userID, id int64, at time.Time) (*WrongQuestion, error) {
	w, err := scanWrongQuestion(s.db.QueryRowContext(ctx, `
		UPDATE wrong_questions
		SET mastered = TRUE,
			mastered_at = COALESCE(mastered_at, $3)
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, question_id, exam_attempt_id, wrong_count, last_wrong_at, COALESCE(my_answer, ''), mastered, mastered_at
	`, id, userID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWrongQuestionNotFound
		}
		return nil, err
	}
	return w, nil
}

func scanWrongQuestion(r rowScanner) (*WrongQuestion, error) {
	var (
		w          WrongQuestion
		attemptID  sql.NullInt64
		masteredAt sql.NullTime
	)
	if err := r.Scan(&w.ID, &w.UserID, &w.QuestionID, &attemptID, &w.WrongCount, &w.LastWrongAt, &w.MyAnswer, &w.Mastered, &masteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan wrong question: %w", err)
	}
	if attemptID.Valid {
		w.ExamAttemptID = &attemptID.Int64
	}
	if masteredAt.Valid {
		w.MasteredAt = &masteredAt.Time
	}
	return &w, nil
}

func nullableID(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
