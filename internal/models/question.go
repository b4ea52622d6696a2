package models

import (
	"errors"
	"strings"
	"time"
)

// Test case limits applied when a row leaves them unset.
const (
	DefaultTestCaseWeight      = 1.0
	DefaultTestCaseTimeLimitMs = 1000
	DefaultTestCaseMemoryMB    = 128
)

// Question is one gradable unit of an assignment.
type Question struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	AssignmentID            uint       `gorm:"index;not null" json:"assignment_id"`
	Position                int        `gorm:"not null;default:0" json:"position"`
	Title                   string     `gorm:"size:255;not null" json:"title"`
	Prompt                  string     `gorm:"type:text" json:"prompt"`
	Points                  float64    `gorm:"not null" json:"points"`
	ProgrammingLanguage     string     `gorm:"size:32" json:"programming_language"`
	FunctionName            string     `gorm:"size:128" json:"function_name"`
	FunctionSignature       string     `gorm:"type:text" json:"function_signature"`
	ReferenceImplementation string     `gorm:"type:text" json:"-"`
	TestTemplate            string     `gorm:"type:text" json:"-"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	TestCases               []TestCase `json:"test_cases,omitempty"`
}

// Validate enforces the positive points invariant.
func (q Question) Validate() error {
	if q.Points <= 0 {
		return errors.New("question points must be positive")
	}
	return nil
}

// HasReference reports whether the question carries a reference implementation.
func (q Question) HasReference() bool {
	return strings.TrimSpace(q.ReferenceImplementation) != ""
}

// TestCase is one (input, expected output, weight, limits) tuple of a question.
type TestCase struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	QuestionID     uint      `gorm:"index;not null" json:"question_id"`
	Position       int       `gorm:"not null;default:0" json:"position"`
	Input          string    `gorm:"type:text" json:"input"`
	ExpectedOutput string    `gorm:"type:text" json:"expected_output"`
	IsHidden       bool      `gorm:"not null;default:false" json:"is_hidden"`
	Weight         float64   `gorm:"not null" json:"weight"`
	TimeLimitMs    int       `gorm:"not null" json:"time_limit_ms"`
	MemoryLimitMB  int       `gorm:"not null" json:"memory_limit_mb"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewTestCase returns a test case with the default weight and limits.
func NewTestCase(input, expected string) TestCase {
	return TestCase{
		Input:          input,
		ExpectedOutput: expected,
		Weight:         DefaultTestCaseWeight,
		TimeLimitMs:    DefaultTestCaseTimeLimitMs,
		MemoryLimitMB:  DefaultTestCaseMemoryMB,
	}
}

// Validate rejects negative weights.
func (t TestCase) Validate() error {
	if t.Weight < 0 {
		return errors.New("test case weight must not be negative")
	}
	return nil
}

// TimeLimit returns the run time limit, defaulting to one second.
func (t TestCase) TimeLimit() time.Duration {
	if t.TimeLimitMs <= 0 {
		return DefaultTestCaseTimeLimitMs * time.Millisecond
	}
	return time.Duration(t.TimeLimitMs) * time.Millisecond
}

// MemoryLimit returns the memory ceiling in megabytes.
func (t TestCase) MemoryLimit() int {
	if t.MemoryLimitMB <= 0 {
		return DefaultTestCaseMemoryMB
	}
	return t.MemoryLimitMB
}

// VisibleToStudents mirrors IsHidden for readability at call sites.
func (t TestCase) VisibleToStudents() bool {
	return !t.IsHidden
}
