package dto

import (
	"time"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// CodeCheckRequest runs or grades code interactively without persisting it.
type CodeCheckRequest struct {
	Code     string  `json:"code" validate:"required,max=65536"`
	Language string  `json:"language" validate:"required,max=32"`
	Input    *string `json:"input" validate:"omitempty,max=65536"`
}

// AnswerSubmitRequest locks in the answer to one question.
type AnswerSubmitRequest struct {
	Code     string `json:"code" validate:"required,max=65536"`
	Language string `json:"language" validate:"required,max=32"`
}

// BatchGradeRequest schedules several submissions at once.
type BatchGradeRequest struct {
	SubmissionIDs []uint `json:"submission_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

// TestCaseResultResponse is one test case outcome. Hidden cases only expose
// their verdict.
type TestCaseResultResponse struct {
	TestCaseID      uint               `json:"test_case_id"`
	Hidden          bool               `json:"hidden"`
	Passed          bool               `json:"passed"`
	Outcome         models.TestOutcome `json:"outcome"`
	Input           string             `json:"input,omitempty"`
	ExpectedOutput  string             `json:"expected_output,omitempty"`
	ActualOutput    string             `json:"actual_output,omitempty"`
	Error           string             `json:"error,omitempty"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	MemoryUsedKB    int64              `json:"memory_used_kb"`
}

// CodeExecutionResponse is returned by the check and submit endpoints.
type CodeExecutionResponse struct {
	Success          bool                     `json:"success"`
	Output           string                   `json:"output,omitempty"`
	Error            string                   `json:"error,omitempty"`
	CompilationError string                   `json:"compilation_error,omitempty"`
	Status           models.SubmissionStatus  `json:"status,omitempty"`
	Score            float64                  `json:"score"`
	MaxScore         float64                  `json:"max_score"`
	GradingMethod    string                   `json:"grading_method,omitempty"`
	FallbackReason   string                   `json:"fallback_reason,omitempty"`
	Feedback         string                   `json:"feedback,omitempty"`
	ExecutionTimeMs  int64                    `json:"execution_time_ms,omitempty"`
	TimedOut         bool                     `json:"timed_out,omitempty"`
	TestResults      []TestCaseResultResponse `json:"test_results"`
	Submission       *SubmissionTotals        `json:"submission,omitempty"`
}

// SubmissionTotals summarises a submission after an answer was locked in.
type SubmissionTotals struct {
	ID         uint                    `json:"id"`
	Status     models.SubmissionStatus `json:"status"`
	Score      float64                 `json:"score"`
	MaxScore   float64                 `json:"max_score"`
	Percentage float64                 `json:"percentage"`
	IsLate     bool                    `json:"is_late"`
}

// GradingAcceptedResponse acknowledges asynchronous grading.
type GradingAcceptedResponse struct {
	Accepted []uint          `json:"accepted"`
	Rejected map[uint]string `json:"rejected,omitempty"`
}

// AnswerStatusResponse is the stored state of one question submission.
type AnswerStatusResponse struct {
	QuestionID     uint                    `json:"question_id"`
	Status         models.SubmissionStatus `json:"status"`
	Score          float64                 `json:"score"`
	IsCorrect      bool                    `json:"is_correct"`
	IsLate         bool                    `json:"is_late"`
	Language       string                  `json:"language"`
	GradingMethod  string                  `json:"grading_method,omitempty"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`
	CompileError   string                  `json:"compile_error,omitempty"`
	Feedback       string                  `json:"feedback,omitempty"`
	GradedAt       *time.Time              `json:"graded_at"`
}

// SubmissionStatusResponse is the stored state of a submission.
type SubmissionStatusResponse struct {
	ID               uint                    `json:"id"`
	AssignmentID     uint                    `json:"assignment_id"`
	StudentID        uint                    `json:"student_id"`
	Status           models.SubmissionStatus `json:"status"`
	IsLate           bool                    `json:"is_late"`
	Score            float64                 `json:"score"`
	MaxScore         float64                 `json:"max_score"`
	Percentage       float64                 `json:"percentage"`
	Feedback         string                  `json:"feedback"`
	CurrentRunID     string                  `json:"current_run_id,omitempty"`
	SubmittedAt      *time.Time              `json:"submitted_at"`
	GradingStartedAt *time.Time              `json:"grading_started_at"`
	GradedAt         *time.Time              `json:"graded_at"`
	Answers          []AnswerStatusResponse  `json:"answers"`
}

// NewSubmissionStatusResponse maps a stored submission.
func NewSubmissionStatusResponse(submission models.Submission) SubmissionStatusResponse {
	answers := make([]AnswerStatusResponse, 0, len(submission.QuestionSubmissions))
	for _, answer := range submission.QuestionSubmissions {
		answers = append(answers, AnswerStatusResponse{
			QuestionID:     answer.QuestionID,
			Status:         answer.Status,
			Score:          answer.Score,
			IsCorrect:      answer.IsCorrect,
			IsLate:         answer.IsLate,
			Language:       answer.Language,
			GradingMethod:  answer.GradingMethod,
			FallbackReason: answer.FallbackReason,
			CompileError:   answer.CompileError,
			Feedback:       answer.Feedback,
			GradedAt:       answer.GradedAt,
		})
	}
	return SubmissionStatusResponse{
		ID:               submission.ID,
		AssignmentID:     submission.AssignmentID,
		StudentID:        submission.StudentID,
		Status:           submission.Status,
		IsLate:           submission.IsLate,
		Score:            submission.Score,
		MaxScore:         submission.MaxScore,
		Percentage:       submission.Percentage,
		Feedback:         submission.Feedback,
		CurrentRunID:     submission.CurrentRunID,
		SubmittedAt:      submission.SubmittedAt,
		GradingStartedAt: submission.GradingStartedAt,
		GradedAt:         submission.GradedAt,
		Answers:          answers,
	}
}

// GradingStatsResponse aggregates graded submissions of an assignment.
type GradingStatsResponse struct {
	AssignmentID      uint                              `json:"assignment_id"`
	Total             int64                             `json:"total_submissions"`
	Graded            int64                             `json:"graded_submissions"`
	InProgress        int64                             `json:"in_progress"`
	Late              int64                             `json:"late_submissions"`
	AverageScore      float64                           `json:"average_score"`
	MaxScore          float64                           `json:"max_score"`
	MinScore          float64                           `json:"min_score"`
	AveragePercentage float64                           `json:"average_percentage"`
	PassRate          float64                           `json:"pass_rate"`
	ByStatus          map[models.SubmissionStatus]int64 `json:"by_status"`
	CacheHit          bool                              `json:"cache_hit"`
	GeneratedAt       time.Time                         `json:"generated_at"`
}

// LanguageResponse describes a supported language.
type LanguageResponse struct {
	Tag         string   `json:"tag"`
	DisplayName string   `json:"display_name"`
	Compiled    bool     `json:"compiled"`
	Template    string   `json:"template"`
	Backends    []string `json:"backends"`
}

// GradingEventResponse is pushed over the submission websocket.
type GradingEventResponse struct {
	Type         string                  `json:"type"`
	SubmissionID uint                    `json:"submission_id"`
	QuestionID   uint                    `json:"question_id,omitempty"`
	RunID        string                  `json:"run_id"`
	Status       models.SubmissionStatus `json:"status"`
	Score        float64                 `json:"score"`
	MaxScore     float64                 `json:"max_score"`
	Percentage   float64                 `json:"percentage"`
	At           time.Time               `json:"at"`
}
