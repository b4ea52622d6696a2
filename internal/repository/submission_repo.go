package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// ErrStaleStatus is returned when a compare-and-set status update finds the
// row in a state other than the expected one.
var ErrStaleStatus = errors.New("submission status changed concurrently")

// SubmissionFilter allows narrowing submission queries.
type SubmissionFilter struct {
	AssignmentID *uint
	StudentID    *uint
	Status       *models.SubmissionStatus
}

// QuestionOutcome is the persisted result of grading one question.
type QuestionOutcome struct {
	QuestionID uint
	// Answer is nil in legacy mode, where results hang off the submission.
	Answer  *models.QuestionSubmission
	Results []models.TestResult
}

// SubmissionOutcome is everything a finished grading run writes.
type SubmissionOutcome struct {
	SubmissionID uint
	RunID        string
	Status       models.SubmissionStatus
	Score        float64
	MaxScore     float64
	Percentage   float64
	Feedback     string
	InternalNote string
	Details      datatypes.JSON
	GradedAt     time.Time
	Questions    []QuestionOutcome
}

// SubmissionStats summarises graded submissions of an assignment.
type SubmissionStats struct {
	Total             int64   `json:"total_submissions"`
	Graded            int64   `json:"graded_submissions"`
	InProgress        int64   `json:"in_progress"`
	Late              int64   `json:"late_submissions"`
	AverageScore      float64 `json:"average_score"`
	MaxScore          float64 `json:"max_score"`
	MinScore          float64 `json:"min_score"`
	AveragePercentage float64 `json:"average_percentage"`
	PassRate          float64 `json:"pass_rate"`

	ByStatus map[models.SubmissionStatus]int64 `json:"by_status"`
}

// SubmissionRepository defines data operations for submissions and their results.
type SubmissionRepository interface {
	List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error)
	ListIDsByAssignment(ctx context.Context, assignmentID uint) ([]uint, error)
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	Create(ctx context.Context, submission *models.Submission) error
	Ensure(ctx context.Context, assignmentID, studentID uint, submittedAt time.Time, late bool) (models.Submission, error)
	BeginGrading(ctx context.Context, id uint, runID string, at time.Time) error
	SaveOutcome(ctx context.Context, outcome SubmissionOutcome) error
	MarkError(ctx context.Context, id uint, runID, feedback, note string, at time.Time) error
	StartAnswer(ctx context.Context, answer *models.QuestionSubmission, runID string) error
	SaveAnswerOutcome(ctx context.Context, outcome QuestionOutcome, runID string, totals SubmissionOutcome) error
	ListResults(ctx context.Context, runID string) ([]models.TestResult, error)
	ResetInterrupted(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id uint) error
	Stats(ctx context.Context, assignmentID uint) (SubmissionStats, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Preload("QuestionSubmissions", func(db *gorm.DB) *gorm.DB { return db.Order("question_id ASC") })
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]models.Submission, error) {
	query := r.baseQuery(ctx)

	if filter.AssignmentID != nil {
		query = query.Where("assignment_id = ?", *filter.AssignmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var submissions []models.Submission
	if err := query.Order("created_at DESC").Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ListIDsByAssignment(ctx context.Context, assignmentID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("assignment_id = ?", assignmentID).
		Where("status <> ?", models.StatusNotSubmitted).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.baseQuery(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	if submission.Status == "" {
		submission.Status = models.StatusSubmitted
	}
	return r.db.WithContext(ctx).Create(submission).Error
}

// Ensure returns the student's submission for the assignment, creating it at
// SUBMITTED when missing. Lateness is only recorded on creation.
func (r *submissionRepository) Ensure(ctx context.Context, assignmentID, studentID uint, submittedAt time.Time, late bool) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Where(models.Submission{AssignmentID: assignmentID, StudentID: studentID}).
		Attrs(models.Submission{Status: models.StatusSubmitted, IsLate: late, SubmittedAt: &submittedAt}).
		FirstOrCreate(&submission).Error
	if err != nil {
		// a concurrent create won the unique index, read its row
		if lookupErr := r.db.WithContext(ctx).
			Where("assignment_id = ? AND student_id = ?", assignmentID, studentID).
			First(&submission).Error; lookupErr != nil {
			return models.Submission{}, err
		}
	}
	return submission, nil
}

func (r *submissionRepository) staleOrMissing(tx *gorm.DB, model any, id uint) error {
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrStaleStatus
}

// transition is a compare-and-set on the status column.
func transition(tx *gorm.DB, model any, id uint, to models.SubmissionStatus, from []models.SubmissionStatus, extra map[string]any) (int64, error) {
	values := map[string]any{"status": to}
	for key, value := range extra {
		values[key] = value
	}
	res := tx.Model(model).Where("id = ? AND status IN ?", id, from).Updates(values)
	return res.RowsAffected, res.Error
}

func (r *submissionRepository) BeginGrading(ctx context.Context, id uint, runID string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := transition(tx, &models.Submission{}, id, models.StatusGrading, models.SourcesOf(models.StatusGrading), map[string]any{
			"current_run_id":     runID,
			"grading_started_at": at,
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return r.staleOrMissing(tx, &models.Submission{}, id)
		}

		return tx.Model(&models.QuestionSubmission{}).
			Where("submission_id = ? AND status IN ?", id, models.SourcesOf(models.StatusGrading)).
			Updates(map[string]any{"status": models.StatusGrading, "current_run_id": runID}).Error
	})
}

func (r *submissionRepository) SaveOutcome(ctx context.Context, outcome SubmissionOutcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome status %s is not terminal", models.ErrInvalidTransition, outcome.Status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, question := range outcome.Questions {
			if err := saveQuestionOutcome(tx, question, outcome.RunID, outcome.GradedAt); err != nil {
				return err
			}
		}

		res := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ? AND current_run_id = ?", outcome.SubmissionID, models.StatusGrading, outcome.RunID).
			Updates(map[string]any{
				"status":        outcome.Status,
				"score":         outcome.Score,
				"max_score":     outcome.MaxScore,
				"percentage":    outcome.Percentage,
				"feedback":      outcome.Feedback,
				"internal_note": outcome.InternalNote,
				"details":       outcome.Details,
				"graded_at":     outcome.GradedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.staleOrMissing(tx, &models.Submission{}, outcome.SubmissionID)
		}
		return nil
	})
}

func saveQuestionOutcome(tx *gorm.DB, question QuestionOutcome, runID string, gradedAt time.Time) error {
	for i := range question.Results {
		question.Results[i].GradingRunID = runID
		if err := question.Results[i].Validate(); err != nil {
			return err
		}
	}
	if len(question.Results) > 0 {
		if err := tx.Create(&question.Results).Error; err != nil {
			return fmt.Errorf("insert test results: %w", err)
		}
	}

	answer := question.Answer
	if answer == nil || answer.ID == 0 {
		return nil
	}
	if err := models.ValidateTransition(models.StatusGrading, answer.Status); err != nil {
		return err
	}

	res := tx.Model(&models.QuestionSubmission{}).
		Where("id = ? AND status = ?", answer.ID, models.StatusGrading).
		Updates(map[string]any{
			"status":          answer.Status,
			"score":           answer.Score,
			"is_correct":      answer.IsCorrect,
			"grading_method":  answer.GradingMethod,
			"fallback_reason": answer.FallbackReason,
			"compile_error":   answer.CompileError,
			"feedback":        answer.Feedback,
			"internal_note":   answer.InternalNote,
			"current_run_id":  runID,
			"graded_at":       gradedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("question submission %d: %w", answer.ID, ErrStaleStatus)
	}
	return nil
}

// MarkError moves a grading run to ERROR without touching test results.
func (r *submissionRepository) MarkError(ctx context.Context, id uint, runID, feedback, note string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ? AND current_run_id = ?", id, models.StatusGrading, runID).
			Updates(map[string]any{
				"status":        models.StatusError,
				"feedback":      feedback,
				"internal_note": note,
				"graded_at":     at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.staleOrMissing(tx, &models.Submission{}, id)
		}
		return tx.Model(&models.QuestionSubmission{}).
			Where("submission_id = ? AND status = ?", id, models.StatusGrading).
			Updates(map[string]any{"status": models.StatusError, "graded_at": at}).Error
	})
}

// StartAnswer stores the answer's code and moves it to GRADING. New answers
// are created at SUBMITTED first so every row follows the transition table.
func (r *submissionRepository) StartAnswer(ctx context.Context, answer *models.QuestionSubmission, runID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.QuestionSubmission
		err := tx.Where("submission_id = ? AND question_id = ?", answer.SubmissionID, answer.QuestionID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			answer.Status = models.StatusSubmitted
			if err := tx.Create(answer).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			answer.ID = existing.ID
			answer.CreatedAt = existing.CreatedAt
		}

		affected, err := transition(tx, &models.QuestionSubmission{}, answer.ID, models.StatusGrading, models.SourcesOf(models.StatusGrading), map[string]any{
			"code":           answer.Code,
			"language":       answer.Language,
			"is_late":        answer.IsLate,
			"submitted_at":   answer.SubmittedAt,
			"current_run_id": runID,
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrStaleStatus
		}
		answer.Status = models.StatusGrading
		answer.CurrentRunID = runID
		return nil
	})
}

// SaveAnswerOutcome persists one interactively graded answer and folds the
// recomputed totals into the parent submission, passing it through GRADING.
func (r *submissionRepository) SaveAnswerOutcome(ctx context.Context, outcome QuestionOutcome, runID string, totals SubmissionOutcome) error {
	if !totals.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome status %s is not terminal", models.ErrInvalidTransition, totals.Status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveQuestionOutcome(tx, outcome, runID, totals.GradedAt); err != nil {
			return err
		}

		affected, err := transition(tx, &models.Submission{}, totals.SubmissionID, models.StatusGrading, models.SourcesOf(models.StatusGrading), map[string]any{
			"current_run_id":     runID,
			"grading_started_at": totals.GradedAt,
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return r.staleOrMissing(tx, &models.Submission{}, totals.SubmissionID)
		}

		_, err = transition(tx, &models.Submission{}, totals.SubmissionID, totals.Status, []models.SubmissionStatus{models.StatusGrading}, map[string]any{
			"score":      totals.Score,
			"max_score":  totals.MaxScore,
			"percentage": totals.Percentage,
			"feedback":   totals.Feedback,
			"details":    totals.Details,
			"graded_at":  totals.GradedAt,
		})
		return err
	})
}

func (r *submissionRepository) ListResults(ctx context.Context, runID string) ([]models.TestResult, error) {
	var results []models.TestResult
	err := r.db.WithContext(ctx).
		Where("grading_run_id = ?", runID).
		Order("question_id ASC").Order("id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ResetInterrupted hands runs abandoned by a crashed process back to SUBMITTED.
func (r *submissionRepository) ResetInterrupted(ctx context.Context) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Submission{}).
			Where("status = ?", models.StatusGrading).
			Update("status", models.StatusSubmitted)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return tx.Model(&models.QuestionSubmission{}).
			Where("status = ?", models.StatusGrading).
			Update("status", models.StatusSubmitted).Error
	})
	return affected, err
}

// Delete removes a submission with its answers and results in one transaction.
func (r *submissionRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission models.Submission
		if err := tx.Select("id").First(&submission, id).Error; err != nil {
			return err
		}

		answerIDs := tx.Model(&models.QuestionSubmission{}).Select("id").Where("submission_id = ?", id)
		if err := tx.Where("submission_id = ? OR question_submission_id IN (?)", id, answerIDs).
			Delete(&models.TestResult{}).Error; err != nil {
			return err
		}
		if err := tx.Where("submission_id = ?", id).Delete(&models.QuestionSubmission{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Submission{}, id).Error
	})
}

func (r *submissionRepository) Stats(ctx context.Context, assignmentID uint) (SubmissionStats, error) {
	stats := SubmissionStats{ByStatus: map[models.SubmissionStatus]int64{}}
	db := r.db.WithContext(ctx)

	var rows []struct {
		Status models.SubmissionStatus
		Count  int64
	}
	if err := db.Model(&models.Submission{}).
		Select("status, COUNT(*) AS count").
		Where("assignment_id = ?", assignmentID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
		if row.Status.IsTerminal() {
			stats.Graded += row.Count
		}
		if row.Status == models.StatusGrading {
			stats.InProgress += row.Count
		}
	}

	if err := db.Model(&models.Submission{}).
		Where("assignment_id = ? AND is_late = ?", assignmentID, true).
		Count(&stats.Late).Error; err != nil {
		return stats, err
	}

	if stats.Graded == 0 {
		return stats, nil
	}

	var agg struct {
		AverageScore      float64
		MaxScore          float64
		MinScore          float64
		AveragePercentage float64
	}
	if err := db.Model(&models.Submission{}).
		Select("COALESCE(AVG(score), 0) AS average_score, COALESCE(MAX(score), 0) AS max_score, COALESCE(MIN(score), 0) AS min_score, COALESCE(AVG(percentage), 0) AS average_percentage").
		Where("assignment_id = ? AND status IN ?", assignmentID, models.TerminalStatuses).
		Scan(&agg).Error; err != nil {
		return stats, err
	}

	stats.AverageScore = agg.AverageScore
	stats.MaxScore = agg.MaxScore
	stats.MinScore = agg.MinScore
	stats.AveragePercentage = agg.AveragePercentage
	stats.PassRate = float64(stats.ByStatus[models.StatusPassed]) / float64(stats.Graded)
	return stats, nil
}
