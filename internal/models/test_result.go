package models

import (
	"errors"
	"time"
)

// TestOutcome classifies one test case run.
type TestOutcome string

const (
	OutcomePassed         TestOutcome = "PASSED"
	OutcomeWrongAnswer    TestOutcome = "WRONG_ANSWER"
	OutcomeRuntimeError   TestOutcome = "RUNTIME_ERROR"
	OutcomeTimeout        TestOutcome = "TIMEOUT"
	OutcomeMemoryExceeded TestOutcome = "MEMORY_EXCEEDED"
	OutcomeError          TestOutcome = "ERROR"
)

// TestResult is the immutable outcome of running a program against one test
// case during one grading run. It belongs to either a submission or a
// question submission, never both.
type TestResult struct {
	ID                   uint        `gorm:"primaryKey" json:"id"`
	GradingRunID         string      `gorm:"size:36;not null;index" json:"grading_run_id"`
	TestCaseID           uint        `gorm:"not null;index" json:"test_case_id"`
	SubmissionID         *uint       `gorm:"index" json:"submission_id,omitempty"`
	QuestionSubmissionID *uint       `gorm:"index" json:"question_submission_id,omitempty"`
	QuestionID           uint        `gorm:"not null;index" json:"question_id"`
	ActualOutput         string      `gorm:"type:text" json:"actual_output"`
	ExpectedOutput       string      `gorm:"type:text" json:"expected_output"`
	IsPassed             bool        `gorm:"not null" json:"is_passed"`
	Outcome              TestOutcome `gorm:"size:32;not null" json:"outcome"`
	ExecutionTimeMs      int64       `gorm:"not null;default:0" json:"execution_time_ms"`
	MemoryUsedKB         int64       `gorm:"not null;default:0" json:"memory_used_kb"`
	ErrorMessage         string      `gorm:"type:text" json:"error_message,omitempty"`
	Backend              string      `gorm:"size:16" json:"backend,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Validate enforces the single owner invariant.
func (r TestResult) Validate() error {
	if (r.SubmissionID == nil) == (r.QuestionSubmissionID == nil) {
		return errors.New("test result must belong to exactly one of submission or question submission")
	}
	if r.GradingRunID == "" {
		return errors.New("test result requires a grading run id")
	}
	return nil
}
