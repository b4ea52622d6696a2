package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Grading methods recorded on question submissions.
const (
	GradingMethodExactMatch          = "exact_match"
	GradingMethodReferenceComparison = "reference_comparison"
	GradingMethodFallback            = "fallback"
)

// Submission is one student's attempt at an assignment. Legacy submissions
// carry Code and Language directly; multi-question submissions are split
// into QuestionSubmissions.
type Submission struct {
	ID                  uint                 `gorm:"primaryKey" json:"id"`
	AssignmentID        uint                 `gorm:"not null;uniqueIndex:idx_submission_assignment_student" json:"assignment_id"`
	StudentID           uint                 `gorm:"not null;uniqueIndex:idx_submission_assignment_student" json:"student_id"`
	Code                string               `gorm:"type:text" json:"code,omitempty"`
	Language            string               `gorm:"size:32" json:"language,omitempty"`
	Status              SubmissionStatus     `gorm:"size:32;not null;index" json:"status"`
	IsLate              bool                 `gorm:"not null;default:false" json:"is_late"`
	Score               float64              `gorm:"not null;default:0" json:"score"`
	MaxScore            float64              `gorm:"not null;default:100" json:"max_score"`
	Percentage          float64              `gorm:"not null;default:0" json:"percentage"`
	Feedback            string               `gorm:"type:text" json:"feedback"`
	InternalNote        string               `gorm:"type:text" json:"-"`
	Details             datatypes.JSON       `json:"details,omitempty"`
	CurrentRunID        string               `gorm:"size:36" json:"current_run_id,omitempty"`
	SubmittedAt         *time.Time           `json:"submitted_at"`
	GradingStartedAt    *time.Time           `json:"grading_started_at"`
	GradedAt            *time.Time           `json:"graded_at"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	QuestionSubmissions []QuestionSubmission `json:"question_submissions,omitempty"`
}

// IsLegacy reports whether the submission carries one program for every question.
func (s Submission) IsLegacy() bool {
	return strings.TrimSpace(s.Code) != ""
}

// AnswerFor returns the question submission for questionID, if any.
func (s Submission) AnswerFor(questionID uint) (QuestionSubmission, bool) {
	for _, answer := range s.QuestionSubmissions {
		if answer.QuestionID == questionID {
			return answer, true
		}
	}
	return QuestionSubmission{}, false
}

// QuestionSubmission is a student's answer to one question within a submission.
type QuestionSubmission struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	SubmissionID   uint             `gorm:"not null;uniqueIndex:idx_question_submission" json:"submission_id"`
	QuestionID     uint             `gorm:"not null;uniqueIndex:idx_question_submission" json:"question_id"`
	StudentID      uint             `gorm:"not null;index" json:"student_id"`
	Code           string           `gorm:"type:text" json:"code"`
	Language       string           `gorm:"size:32;not null" json:"language"`
	Status         SubmissionStatus `gorm:"size:32;not null" json:"status"`
	IsLate         bool             `gorm:"not null;default:false" json:"is_late"`
	Score          float64          `gorm:"not null;default:0" json:"score"`
	IsCorrect      bool             `gorm:"not null;default:false" json:"is_correct"`
	GradingMethod  string           `gorm:"size:32" json:"grading_method,omitempty"`
	FallbackReason string           `gorm:"type:text" json:"fallback_reason,omitempty"`
	CompileError   string           `gorm:"type:text" json:"compile_error,omitempty"`
	Feedback       string           `gorm:"type:text" json:"feedback"`
	InternalNote   string           `gorm:"type:text" json:"-"`
	CurrentRunID   string           `gorm:"size:36" json:"current_run_id,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at"`
	GradedAt       *time.Time       `json:"graded_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
