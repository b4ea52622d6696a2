package grading

import (
	"errors"
	"math"

	"github.com/noah-isme/gema-autograder/internal/models"
)

// Default score thresholds, expressed as fractions of the attainable score.
const (
	DefaultPassThreshold    = 0.8
	DefaultPartialThreshold = 0.5
)

// Policy maps a score ratio onto a terminal status.
type Policy struct {
	PassThreshold    float64
	PartialThreshold float64
}

// DefaultPolicy returns the 80% / 50% policy.
func DefaultPolicy() Policy {
	return Policy{PassThreshold: DefaultPassThreshold, PartialThreshold: DefaultPartialThreshold}
}

// Validate checks 0 <= partial <= pass <= 1.
func (p Policy) Validate() error {
	if p.PartialThreshold < 0 || p.PassThreshold > 1 || p.PartialThreshold > p.PassThreshold {
		return errors.New("grading thresholds must satisfy 0 <= partial <= pass <= 1")
	}
	return nil
}

// StatusFor returns PASSED, PARTIAL or FAILED for a ratio in [0,1].
func (p Policy) StatusFor(ratio float64) models.SubmissionStatus {
	const epsilon = 1e-9
	switch {
	case ratio+epsilon >= p.PassThreshold:
		return models.StatusPassed
	case ratio+epsilon >= p.PartialThreshold:
		return models.StatusPartial
	default:
		return models.StatusFailed
	}
}

// QuestionScore is the folded result of one question.
type QuestionScore struct {
	QuestionID   uint                    `json:"question_id"`
	Points       float64                 `json:"points"`
	Score        float64                 `json:"score"`
	Ratio        float64                 `json:"ratio"`
	Status       models.SubmissionStatus `json:"status"`
	Passed       int                     `json:"passed"`
	Total        int                     `json:"total"`
	CompileError bool                    `json:"compile_error"`
	Answered     bool                    `json:"answered"`
}

// ScoreQuestion computes points * sum(weight of passed) / sum(weight). When
// every weight is zero the cases count equally. A question without test
// cases scores zero with NO_TESTS.
func (p Policy) ScoreQuestion(question models.Question, cases []CaseResult, compileError string) QuestionScore {
	score := QuestionScore{QuestionID: question.ID, Points: question.Points, Answered: true}
	if compileError != "" {
		score.CompileError = true
		score.Status = models.StatusCompilationError
		score.Total = len(question.TestCases)
		return score
	}
	if len(cases) == 0 {
		score.Status = models.StatusNoTests
		return score
	}

	var totalWeight, earned float64
	for _, c := range cases {
		totalWeight += c.TestCase.Weight
	}
	equalWeights := totalWeight <= 0
	if equalWeights {
		totalWeight = float64(len(cases))
	}
	for _, c := range cases {
		if !c.Passed {
			continue
		}
		score.Passed++
		if equalWeights {
			earned++
		} else {
			earned += c.TestCase.Weight
		}
	}
	score.Total = len(cases)

	if score.Passed == score.Total {
		score.Ratio = 1
		score.Score = question.Points
	} else {
		score.Ratio = earned / totalWeight
		score.Score = question.Points * score.Ratio
	}
	score.Status = p.StatusFor(score.Ratio)
	return score
}

// Unanswered scores a question the student never answered. Questions without
// test cases stay NO_TESTS so they are left out of the totals either way.
func Unanswered(question models.Question) QuestionScore {
	status := models.StatusNotSubmitted
	if len(question.TestCases) == 0 {
		status = models.StatusNoTests
	}
	return QuestionScore{
		QuestionID: question.ID,
		Points:     question.Points,
		Status:     status,
		Total:      len(question.TestCases),
	}
}

// Totals is the submission level aggregate.
type Totals struct {
	Status     models.SubmissionStatus `json:"status"`
	Score      float64                 `json:"score"`
	MaxScore   float64                 `json:"max_score"`
	Percentage float64                 `json:"percentage"`
}

// Aggregate sums question scores and normalizes them to maxScore. Questions
// without test cases are left out of the attainable total. A compile error on
// every graded question forces COMPILATION_ERROR whatever the numbers say.
func (p Policy) Aggregate(questions []QuestionScore, maxScore float64) Totals {
	if maxScore <= 0 {
		maxScore = models.DefaultMaxScore
	}
	totals := Totals{MaxScore: maxScore}

	var earned, attainable float64
	graded, compileErrors := 0, 0
	for _, q := range questions {
		if q.Status == models.StatusNoTests {
			continue
		}
		attainable += q.Points
		earned += q.Score
		if q.Answered {
			graded++
			if q.CompileError {
				compileErrors++
			}
		}
	}

	if attainable <= 0 {
		totals.Status = models.StatusNoTests
		return totals
	}

	ratio := math.Min(earned/attainable, 1)
	totals.Score = roundScore(ratio * maxScore)
	totals.Percentage = roundScore(ratio * 100)
	totals.Status = p.StatusFor(ratio)
	if graded > 0 && compileErrors == graded {
		totals.Status = models.StatusCompilationError
	}
	return totals
}

func roundScore(value float64) float64 {
	return math.Round(value*100) / 100
}
