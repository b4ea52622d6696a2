package grading

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
)

const referenceAdd = "def add(a, b):\n    return a + b\n"

var harnessCall = regexp.MustCompile(`__gema_result = add\((-?\d+), (-?\d+)\)`)

// pythonAddBackend pretends to run generated Python programs: code that
// returns a + b adds its arguments, anything else subtracts them.
func pythonAddBackend() *scriptedBackend {
	return newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		if strings.Contains(req.Code, "SYNTAX") {
			return sandbox.Result{CompileError: "SyntaxError: invalid syntax", ExitCode: 1}, nil
		}
		m := harnessCall.FindStringSubmatch(req.Code)
		if m == nil {
			return sandbox.Result{Stdout: req.Stdin}, nil
		}
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		result := a - b
		if strings.Contains(req.Code, "return a + b") {
			result = a + b
		}
		return sandbox.Result{Stdout: strconv.Itoa(result) + "\n", Backend: "stub"}, nil
	})
}

func addQuestion(inputs ...string) models.Question {
	question := models.Question{
		ID:                      7,
		Points:                  10,
		ProgrammingLanguage:     "python",
		FunctionName:            "add",
		FunctionSignature:       "def add(a, b):",
		ReferenceImplementation: referenceAdd,
	}
	for i, input := range inputs {
		tc := models.NewTestCase(input, "")
		tc.ID = uint(i + 1)
		question.TestCases = append(question.TestCases, tc)
	}
	return question
}

func newComparator(backend sandbox.Backend) *ReferenceComparator {
	runner := NewTestRunner(backend, 2, zerolog.Nop())
	return NewReferenceComparator(backend, runner, DefaultPolicy(), 2, zerolog.Nop())
}

func TestReferenceComparisonPasses(t *testing.T) {
	comparator := newComparator(pythonAddBackend())
	question := addQuestion("1 2", "3 0", "10, -4")

	result, err := comparator.GradeQuestion(context.Background(), question, "def add(a, b):\n    return a + b\n", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.GradingMethodReferenceComparison, result.Method)
	require.Empty(t, result.FallbackReason)
	require.Len(t, result.Cases, 3)
	for _, c := range result.Cases {
		require.True(t, c.Passed)
		require.Equal(t, models.OutcomePassed, c.Outcome)
	}
	require.Equal(t, "3", result.Cases[0].Expected)
	require.Equal(t, "6", result.Cases[2].Actual)
	require.Equal(t, 10.0, result.Score.Score)
	require.Equal(t, models.StatusPassed, result.Score.Status)
}

func TestReferenceComparisonDetectsWrongAnswers(t *testing.T) {
	comparator := newComparator(pythonAddBackend())
	question := addQuestion("1 2", "3 0")

	result, err := comparator.GradeQuestion(context.Background(), question, "def add(a, b):\n    return a - b\n", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeWrongAnswer, result.Cases[0].Outcome)
	require.Equal(t, "-1", result.Cases[0].Actual)
	require.Equal(t, "3", result.Cases[0].Expected)
	require.Equal(t, models.OutcomePassed, result.Cases[1].Outcome)
	require.Equal(t, 5.0, result.Score.Score)
	require.Equal(t, models.StatusPartial, result.Score.Status)
}

func TestReferenceComparisonStudentCompileError(t *testing.T) {
	backend := pythonAddBackend()
	comparator := newComparator(backend)
	question := addQuestion("1 2", "3 4", "5 6")

	result, err := comparator.GradeQuestion(context.Background(), question, "def add(a, b) SYNTAX\n    return a + b\n", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.StatusCompilationError, result.Score.Status)
	require.Contains(t, result.CompileError, "SyntaxError")
	require.Empty(t, result.Cases)
	// one reference probe and one student run; the other cases never start
	require.Equal(t, 2, backend.calls())
}

func TestReferenceComparisonMissingFunction(t *testing.T) {
	comparator := newComparator(pythonAddBackend())

	result, err := comparator.GradeQuestion(context.Background(), addQuestion("1 2"), "def plus(a, b):\n    return a + b\n", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.StatusCompilationError, result.Score.Status)
	require.Equal(t, "function add is not defined in the submitted code", result.CompileError)
}

func TestReferenceComparisonFallsBackForUnsupportedLanguage(t *testing.T) {
	backend := echoBackend()
	comparator := newComparator(backend)
	question := models.Question{
		ID:                      3,
		Points:                  4,
		ProgrammingLanguage:     "go",
		FunctionName:            "Add",
		ReferenceImplementation: "func Add(a, b int) int { return a + b }",
		TestCases:               casesFor("1", "1", "2", "2"),
	}

	result, err := comparator.GradeQuestion(context.Background(), question, "package main", language.MustLookup(language.Go))
	require.NoError(t, err)
	require.Equal(t, models.GradingMethodFallback, result.Method)
	require.Contains(t, result.FallbackReason, "harness unsupported")
	require.Equal(t, 4.0, result.Score.Score)
	require.Equal(t, 2, backend.calls())
}

func TestReferenceComparisonFallsBackWhenReferenceDoesNotCompile(t *testing.T) {
	comparator := newComparator(pythonAddBackend())
	question := addQuestion("1 2")
	question.ReferenceImplementation = "def add(a, b):\n    return a + b SYNTAX\n"
	question.TestCases[0].ExpectedOutput = "1 2"

	result, err := comparator.GradeQuestion(context.Background(), question, "print(input())", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.GradingMethodFallback, result.Method)
	require.Contains(t, result.FallbackReason, "reference implementation failed to compile")
	require.Equal(t, models.StatusPassed, result.Score.Status)
}

func TestReferenceComparisonFallsBackOnLanguageMismatch(t *testing.T) {
	comparator := newComparator(echoBackend())
	question := addQuestion("1 2")
	question.TestCases[0].ExpectedOutput = "1 2"

	result, err := comparator.GradeQuestion(context.Background(), question, "console.log(require('fs').readFileSync(0, 'utf8'))", language.MustLookup(language.JavaScript))
	require.NoError(t, err)
	require.Equal(t, models.GradingMethodFallback, result.Method)
	require.Contains(t, result.FallbackReason, "does not match")
}

func TestGradeQuestionWithoutReferenceUsesExactMatch(t *testing.T) {
	comparator := newComparator(echoBackend())
	question := models.Question{ID: 1, Points: 5, TestCases: casesFor("a", "a", "b", "c")}

	result, err := comparator.GradeQuestion(context.Background(), question, "cat", language.MustLookup(language.Python))
	require.NoError(t, err)
	require.Equal(t, models.GradingMethodExactMatch, result.Method)
	require.Equal(t, 2.5, result.Score.Score)
}

func TestCompareResultsReferenceFailureIsError(t *testing.T) {
	tc := models.NewTestCase("", "")
	out := compareResults(tc, sandbox.Result{Stdout: "1"}, sandbox.Result{ExitCode: 1, Stderr: "boom"})
	require.Equal(t, models.OutcomeError, out.Outcome)
	require.Contains(t, out.Error, "boom")

	out = compareResults(tc, sandbox.Result{Stdout: "1"}, sandbox.Result{TimedOut: true})
	require.Equal(t, models.OutcomeTimeout, out.Outcome)

	out = compareResults(tc, sandbox.Result{ExitCode: 2, Stderr: "panic"}, sandbox.Result{Stdout: "1"})
	require.Equal(t, models.OutcomeRuntimeError, out.Outcome)
	require.Equal(t, "panic", out.Error)

	out = compareResults(tc, sandbox.Result{ExitCode: 137}, sandbox.Result{Stdout: "1"})
	require.Equal(t, models.OutcomeRuntimeError, out.Outcome)
	require.Contains(t, out.Error, "status 137")

	out = compareResults(tc, sandbox.Result{MemoryExceeded: true, ExitCode: 137}, sandbox.Result{Stdout: "1"})
	require.Equal(t, models.OutcomeMemoryExceeded, out.Outcome)
	require.False(t, out.Passed)
}
