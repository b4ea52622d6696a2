package grading

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/models"
)

func weightedCase(id uint, weight float64) models.TestCase {
	tc := models.NewTestCase("", "")
	tc.ID = id
	tc.Weight = weight
	return tc
}

func TestPolicyStatusFor(t *testing.T) {
	policy := DefaultPolicy()
	require.Equal(t, models.StatusPassed, policy.StatusFor(1))
	require.Equal(t, models.StatusPassed, policy.StatusFor(0.8))
	require.Equal(t, models.StatusPartial, policy.StatusFor(0.79))
	require.Equal(t, models.StatusPartial, policy.StatusFor(0.5))
	require.Equal(t, models.StatusFailed, policy.StatusFor(0.49))
	require.Equal(t, models.StatusFailed, policy.StatusFor(0))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	require.Error(t, Policy{PassThreshold: 0.4, PartialThreshold: 0.6}.Validate())
	require.Error(t, Policy{PassThreshold: 1.2, PartialThreshold: 0.5}.Validate())
}

func TestScoreQuestionWeighted(t *testing.T) {
	question := models.Question{ID: 1, Points: 10, TestCases: []models.TestCase{weightedCase(1, 50), weightedCase(2, 50)}}
	cases := []CaseResult{
		{TestCase: question.TestCases[0], Passed: true, Outcome: models.OutcomePassed},
		{TestCase: question.TestCases[1], Outcome: models.OutcomeWrongAnswer},
	}

	score := DefaultPolicy().ScoreQuestion(question, cases, "")
	require.InDelta(t, 5, score.Score, 1e-9)
	require.InDelta(t, 0.5, score.Ratio, 1e-9)
	require.Equal(t, models.StatusPartial, score.Status)
	require.Equal(t, 1, score.Passed)
	require.Equal(t, 2, score.Total)
}

func TestScoreQuestionZeroWeightsCountEqually(t *testing.T) {
	question := models.Question{ID: 1, Points: 9}
	cases := []CaseResult{
		{TestCase: weightedCase(1, 0), Passed: true},
		{TestCase: weightedCase(2, 0), Passed: true},
		{TestCase: weightedCase(3, 0)},
	}

	score := DefaultPolicy().ScoreQuestion(question, cases, "")
	require.InDelta(t, 6, score.Score, 1e-9)
	require.Equal(t, models.StatusPartial, score.Status)
}

func TestScoreQuestionAllPassedEarnsExactPoints(t *testing.T) {
	question := models.Question{ID: 1, Points: 7}
	cases := []CaseResult{
		{TestCase: weightedCase(1, 0.1), Passed: true},
		{TestCase: weightedCase(2, 0.2), Passed: true},
		{TestCase: weightedCase(3, 0.3), Passed: true},
	}

	score := DefaultPolicy().ScoreQuestion(question, cases, "")
	require.Equal(t, 7.0, score.Score)
	require.Equal(t, models.StatusPassed, score.Status)
}

func TestScoreQuestionCompileError(t *testing.T) {
	question := models.Question{ID: 1, Points: 10, TestCases: []models.TestCase{weightedCase(1, 1), weightedCase(2, 1)}}

	score := DefaultPolicy().ScoreQuestion(question, nil, "main.c:1: error")
	require.Zero(t, score.Score)
	require.True(t, score.CompileError)
	require.Equal(t, models.StatusCompilationError, score.Status)
	require.Equal(t, 2, score.Total)
}

func TestScoreQuestionWithoutCases(t *testing.T) {
	score := DefaultPolicy().ScoreQuestion(models.Question{ID: 1, Points: 10}, nil, "")
	require.Equal(t, models.StatusNoTests, score.Status)
	require.Zero(t, score.Score)
}

func TestUnanswered(t *testing.T) {
	withCases := models.Question{ID: 1, Points: 10, TestCases: []models.TestCase{weightedCase(1, 1)}}
	require.Equal(t, models.StatusNotSubmitted, Unanswered(withCases).Status)
	require.False(t, Unanswered(withCases).Answered)
	require.Equal(t, models.StatusNoTests, Unanswered(models.Question{ID: 2, Points: 5}).Status)
}

func TestAggregate(t *testing.T) {
	policy := DefaultPolicy()

	t.Run("normalizes to max score", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{
			{Points: 10, Score: 10, Status: models.StatusPassed, Answered: true},
			{Points: 20, Score: 5, Status: models.StatusFailed, Answered: true},
		}, 50)
		require.Equal(t, 50.0, totals.MaxScore)
		require.Equal(t, 25.0, totals.Score)
		require.Equal(t, 50.0, totals.Percentage)
		require.Equal(t, models.StatusPartial, totals.Status)
	})

	t.Run("rounds to two decimals", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{
			{Points: 3, Score: 1, Status: models.StatusFailed, Answered: true},
		}, 100)
		require.Equal(t, 33.33, totals.Score)
		require.Equal(t, 33.33, totals.Percentage)
		require.Equal(t, models.StatusFailed, totals.Status)
	})

	t.Run("skips questions without tests", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{
			{Points: 10, Score: 10, Status: models.StatusPassed, Answered: true},
			{Points: 90, Status: models.StatusNoTests, Answered: true},
		}, 0)
		require.Equal(t, float64(models.DefaultMaxScore), totals.MaxScore)
		require.Equal(t, 100.0, totals.Score)
		require.Equal(t, models.StatusPassed, totals.Status)
	})

	t.Run("nothing gradable", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{{Points: 10, Status: models.StatusNoTests}}, 100)
		require.Equal(t, models.StatusNoTests, totals.Status)
		require.Zero(t, totals.Score)
	})

	t.Run("unanswered questions count as zero", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{
			{Points: 10, Score: 10, Status: models.StatusPassed, Answered: true},
			{Points: 10, Status: models.StatusNotSubmitted},
		}, 100)
		require.Equal(t, 50.0, totals.Score)
		require.Equal(t, models.StatusPartial, totals.Status)
	})

	t.Run("compile errors everywhere", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{
			{Points: 10, Status: models.StatusCompilationError, CompileError: true, Answered: true},
			{Points: 10, Status: models.StatusNotSubmitted},
		}, 100)
		require.Equal(t, models.StatusCompilationError, totals.Status)
		require.Zero(t, totals.Score)
	})

	t.Run("score never exceeds max", func(t *testing.T) {
		totals := policy.Aggregate([]QuestionScore{{Points: 10, Score: 12, Status: models.StatusPassed, Answered: true}}, 100)
		require.Equal(t, 100.0, totals.Score)
	})
}
