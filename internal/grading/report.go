package grading

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/repository"
)

const (
	maxFeedbackLength = 4000
	maxStoredOutput   = 16 * 1024
)

// QuestionReport summarises the grading of one question.
type QuestionReport struct {
	QuestionID     uint          `json:"question_id"`
	Title          string        `json:"title"`
	Method         string        `json:"grading_method,omitempty"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	CompileError   string        `json:"compile_error,omitempty"`
	Score          QuestionScore `json:"score"`
	Error          string        `json:"error,omitempty"`
	Cases          []CaseResult  `json:"-"`

	answer *models.QuestionSubmission
	err    error
}

// Err returns the failure that kept the question from being graded.
func (q QuestionReport) Err() error {
	return q.err
}

func (q *QuestionReport) apply(result QuestionResult) {
	q.Method = result.Method
	q.FallbackReason = result.FallbackReason
	q.CompileError = result.CompileError
	q.Cases = result.Cases
	q.Score = result.Score
}

func (q *QuestionReport) fail(question models.Question, err error) {
	q.err = err
	q.Error = "grading could not be completed for this question"
	q.Score = QuestionScore{
		QuestionID: question.ID,
		Points:     question.Points,
		Status:     models.StatusError,
		Total:      len(question.TestCases),
		Answered:   true,
	}
}

// Report is the outcome of grading a whole submission.
type Report struct {
	SubmissionID uint                    `json:"submission_id"`
	AssignmentID uint                    `json:"assignment_id"`
	RunID        string                  `json:"run_id"`
	Status       models.SubmissionStatus `json:"status"`
	Totals       Totals                  `json:"totals"`
	Feedback     string                  `json:"feedback"`
	Questions    []QuestionReport        `json:"questions"`
}

// testResults converts case results to rows owned by the submission or by
// the answer, never both.
func testResults(report QuestionReport, submissionID uint) []models.TestResult {
	results := make([]models.TestResult, 0, len(report.Cases))
	for _, c := range report.Cases {
		row := models.TestResult{
			TestCaseID:      c.TestCase.ID,
			QuestionID:      report.QuestionID,
			ActualOutput:    truncate(c.Actual, maxStoredOutput),
			ExpectedOutput:  truncate(c.Expected, maxStoredOutput),
			IsPassed:        c.Passed,
			Outcome:         c.Outcome,
			ExecutionTimeMs: c.ExecutionTime.Milliseconds(),
			MemoryUsedKB:    c.MemoryKB,
			ErrorMessage:    truncate(c.Error, maxStoredOutput),
			Backend:         c.Backend,
		}
		if report.answer != nil {
			id := report.answer.ID
			row.QuestionSubmissionID = &id
		} else {
			id := submissionID
			row.SubmissionID = &id
		}
		results = append(results, row)
	}
	return results
}

// feedbackWriter renders student-facing text. Everything passes through a
// strict sanitizer; internal error details never reach it.
type feedbackWriter struct {
	policy *bluemonday.Policy
}

func newFeedbackWriter() feedbackWriter {
	return feedbackWriter{policy: bluemonday.StrictPolicy()}
}

func (w feedbackWriter) sanitize(text string) string {
	return truncate(strings.TrimSpace(w.policy.Sanitize(text)), maxFeedbackLength)
}

func (w feedbackWriter) question(report QuestionReport) string {
	var b strings.Builder
	score := report.Score
	switch score.Status {
	case models.StatusNotSubmitted:
		b.WriteString("Not answered.")
	case models.StatusNoTests:
		b.WriteString("This question has no test cases to grade.")
	case models.StatusCompilationError:
		b.WriteString("Compilation failed:\n")
		b.WriteString(truncate(report.CompileError, 1000))
	case models.StatusError:
		b.WriteString(report.Error)
	default:
		fmt.Fprintf(&b, "%d/%d test cases passed. Score %.2f/%.2f.", score.Passed, score.Total, score.Score, score.Points)
		for _, c := range report.Cases {
			if c.Passed || c.TestCase.IsHidden {
				continue
			}
			fmt.Fprintf(&b, "\nTest case %d: %s", c.TestCase.ID, c.Outcome)
		}
	}
	if report.Method == models.GradingMethodFallback {
		b.WriteString("\nGraded by comparing output with the stored expected output.")
	}
	return w.sanitize(b.String())
}

func (w feedbackWriter) submission(report Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status %s. Score %.2f/%.2f (%.2f%%).", report.Status, report.Totals.Score, report.Totals.MaxScore, report.Totals.Percentage)
	for _, q := range report.Questions {
		fmt.Fprintf(&b, "\n\n%s: %s", q.Title, w.question(q))
	}
	return w.sanitize(b.String())
}

// outcome builds everything SaveOutcome persists for a finished run.
func (w feedbackWriter) outcome(submission models.Submission, report Report, internal []string) (repository.SubmissionOutcome, error) {
	details, err := json.Marshal(report.Questions)
	if err != nil {
		return repository.SubmissionOutcome{}, fmt.Errorf("encode grading details: %w", err)
	}

	questions := make([]repository.QuestionOutcome, 0, len(report.Questions))
	for _, q := range report.Questions {
		outcome := repository.QuestionOutcome{QuestionID: q.QuestionID, Results: testResults(q, submission.ID)}
		if q.answer != nil {
			outcome.Answer = w.answer(*q.answer, q)
		}
		questions = append(questions, outcome)
	}

	return repository.SubmissionOutcome{
		SubmissionID: submission.ID,
		RunID:        report.RunID,
		Status:       report.Status,
		Score:        report.Totals.Score,
		MaxScore:     report.Totals.MaxScore,
		Percentage:   report.Totals.Percentage,
		Feedback:     report.Feedback,
		InternalNote: strings.Join(internal, "\n"),
		Details:      datatypes.JSON(details),
		Questions:    questions,
	}, nil
}

// answer copies a question report onto its answer row.
func (w feedbackWriter) answer(answer models.QuestionSubmission, report QuestionReport) *models.QuestionSubmission {
	answer.Status = report.Score.Status
	answer.Score = report.Score.Score
	answer.IsCorrect = report.Score.Total > 0 && report.Score.Passed == report.Score.Total
	answer.GradingMethod = report.Method
	answer.FallbackReason = report.FallbackReason
	answer.CompileError = truncate(report.CompileError, maxStoredOutput)
	answer.Feedback = w.question(report)
	if report.err != nil {
		answer.InternalNote = report.err.Error()
	}
	return &answer
}

func jsonDetails(scores []QuestionScore) (datatypes.JSON, error) {
	details, err := json.Marshal(scores)
	if err != nil {
		return nil, fmt.Errorf("encode grading details: %w", err)
	}
	return datatypes.JSON(details), nil
}
