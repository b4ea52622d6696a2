package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// SubmissionStatus is shared by submissions and question submissions.
type SubmissionStatus string

const (
	StatusNotSubmitted     SubmissionStatus = "NOT_SUBMITTED"
	StatusSubmitted        SubmissionStatus = "SUBMITTED"
	StatusGrading          SubmissionStatus = "GRADING"
	StatusPassed           SubmissionStatus = "PASSED"
	StatusPartial          SubmissionStatus = "PARTIAL"
	StatusFailed           SubmissionStatus = "FAILED"
	StatusCompilationError SubmissionStatus = "COMPILATION_ERROR"
	StatusError            SubmissionStatus = "ERROR"
	StatusNoTests          SubmissionStatus = "NO_TESTS"
)

// TerminalStatuses lists the states a grading run can finish in.
var TerminalStatuses = []SubmissionStatus{
	StatusPassed,
	StatusPartial,
	StatusFailed,
	StatusCompilationError,
	StatusError,
	StatusNoTests,
}

var transitions = map[SubmissionStatus][]SubmissionStatus{
	StatusNotSubmitted: {StatusSubmitted},
	StatusSubmitted:    {StatusGrading},
	// a grading run either finishes or, after a crash, is handed back to the queue
	StatusGrading: append([]SubmissionStatus{StatusSubmitted}, TerminalStatuses...),
}

func init() {
	// terminal states are left only by an explicit re-grade
	for _, terminal := range TerminalStatuses {
		transitions[terminal] = []SubmissionStatus{StatusGrading}
	}
}

// IsTerminal reports whether s is a finished grading state.
func (s SubmissionStatus) IsTerminal() bool {
	for _, terminal := range TerminalStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for disallowed moves.
func ValidateTransition(from, to SubmissionStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// SourcesOf returns every status that may transition into to.
func SourcesOf(to SubmissionStatus) []SubmissionStatus {
	var sources []SubmissionStatus
	for _, from := range []SubmissionStatus{StatusNotSubmitted, StatusSubmitted, StatusGrading} {
		if from.CanTransition(to) {
			sources = append(sources, from)
		}
	}
	for _, from := range TerminalStatuses {
		if from.CanTransition(to) {
			sources = append(sources, from)
		}
	}
	return sources
}
