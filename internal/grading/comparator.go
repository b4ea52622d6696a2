package grading

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
)

const maxReasonLength = 500

// QuestionResult is the graded outcome of one program for one question.
type QuestionResult struct {
	Question       models.Question
	Method         string
	FallbackReason string
	CompileError   string
	Cases          []CaseResult
	Score          QuestionScore
}

// ReferenceComparator grades function-style questions by running the
// student's function and the reference implementation through the same
// harness. Questions it cannot wrap are graded by exact match instead, and
// the method actually used is always recorded.
type ReferenceComparator struct {
	backend     sandbox.Backend
	runner      *TestRunner
	policy      Policy
	parallelism int
	logger      zerolog.Logger
}

// NewReferenceComparator builds a comparator. Parallelism bounds how many
// test cases of one question are compared at once.
func NewReferenceComparator(backend sandbox.Backend, runner *TestRunner, policy Policy, parallelism int, logger zerolog.Logger) *ReferenceComparator {
	if parallelism < 1 {
		parallelism = 1
	}
	return &ReferenceComparator{
		backend:     backend,
		runner:      runner,
		policy:      policy,
		parallelism: parallelism,
		logger:      logger.With().Str("component", "reference_comparator").Logger(),
	}
}

// GradeQuestion grades code written in lang against question. The returned
// error is reserved for failures that make the program ungradable, such as
// a missing execution backend.
func (c *ReferenceComparator) GradeQuestion(ctx context.Context, question models.Question, code string, lang language.Spec) (QuestionResult, error) {
	result := QuestionResult{Question: question}
	if !question.HasReference() {
		result.Method = models.GradingMethodExactMatch
		return c.exactMatch(ctx, result, code, lang)
	}

	harness, probe, reason, err := c.prepare(ctx, question, lang)
	if err != nil {
		return result, err
	}
	if reason != "" {
		c.logger.Info().
			Uint("question_id", question.ID).
			Str("reason", reason).
			Msg("reference comparison unavailable, falling back to exact match")
		result.Method = models.GradingMethodFallback
		result.FallbackReason = truncate(reason, maxReasonLength)
		return c.exactMatch(ctx, result, code, lang)
	}

	result.Method = models.GradingMethodReferenceComparison
	return c.compare(ctx, result, harness, probe, code)
}

func (c *ReferenceComparator) exactMatch(ctx context.Context, result QuestionResult, code string, lang language.Spec) (QuestionResult, error) {
	report, err := c.runner.RunTests(ctx, lang, code, result.Question.TestCases)
	if err != nil {
		return result, err
	}
	result.CompileError = report.CompileError
	result.Cases = report.Cases
	result.Score = c.policy.ScoreQuestion(result.Question, report.Cases, report.CompileError)
	return result, nil
}

// prepare builds the harness and checks that the reference implementation
// compiles by running it on the first test case. A non-empty reason means
// the comparator must fall back.
func (c *ReferenceComparator) prepare(ctx context.Context, question models.Question, lang language.Spec) (*Harness, *sandbox.Result, string, error) {
	harness, err := NewHarness(question)
	if err != nil {
		return nil, nil, err.Error(), nil
	}
	if harness.Language().Tag != lang.Tag {
		return nil, nil, fmt.Sprintf("submission language %s does not match reference language %s", lang.Tag, harness.Language().Tag), nil
	}
	if len(question.TestCases) == 0 {
		return harness, nil, "", nil
	}

	first := question.TestCases[0]
	program, err := harness.Build(question.ReferenceImplementation, first.Input)
	if err != nil {
		return nil, nil, "reference implementation cannot be wrapped: " + err.Error(), nil
	}
	probe, err := c.execute(ctx, harness.Language(), program, first)
	if err != nil {
		return nil, nil, "", err
	}
	if probe.CompileFailed() {
		return nil, nil, "reference implementation failed to compile: " + probe.CompileError, nil
	}
	return harness, &probe, "", nil
}

func (c *ReferenceComparator) compare(ctx context.Context, result QuestionResult, harness *Harness, probe *sandbox.Result, code string) (QuestionResult, error) {
	cases := result.Question.TestCases
	if len(cases) == 0 {
		result.Score = c.policy.ScoreQuestion(result.Question, nil, "")
		return result, nil
	}

	first, compileErr, err := c.compareCase(ctx, harness, result.Question, code, cases[0], probe)
	if err != nil {
		return result, err
	}
	if compileErr != "" {
		result.CompileError = compileErr
		result.Score = c.policy.ScoreQuestion(result.Question, nil, compileErr)
		return result, nil
	}

	results := make([]CaseResult, len(cases))
	results[0] = first

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.parallelism)
	for i := 1; i < len(cases); i++ {
		i := i
		group.Go(func() error {
			out, compileErr, err := c.compareCase(groupCtx, harness, result.Question, code, cases[i], nil)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i] = infrastructureFailure(cases[i], err)
				return nil
			}
			if compileErr != "" {
				out.Outcome, out.Error = models.OutcomeError, compileErr
			}
			results[i] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return result, err
	}

	result.Cases = results
	result.Score = c.policy.ScoreQuestion(result.Question, results, "")
	return result, nil
}

// compareCase runs both programs for one test case. A non-empty second
// return value is the student's compile error.
func (c *ReferenceComparator) compareCase(ctx context.Context, harness *Harness, question models.Question, code string, tc models.TestCase, reference *sandbox.Result) (CaseResult, string, error) {
	studentProgram, err := harness.Build(code, tc.Input)
	if err != nil {
		if errors.Is(err, ErrFunctionNotFound) {
			return CaseResult{}, fmt.Sprintf("function %s is not defined in the submitted code", harness.FunctionName()), nil
		}
		return CaseResult{TestCase: tc, Outcome: models.OutcomeError, Error: err.Error()}, "", nil
	}

	var student, ref sandbox.Result
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		student, err = c.execute(groupCtx, harness.Language(), studentProgram, tc)
		return err
	})
	if reference != nil {
		ref = *reference
	} else {
		referenceProgram, err := harness.Build(question.ReferenceImplementation, tc.Input)
		if err != nil {
			_ = group.Wait()
			return CaseResult{TestCase: tc, Outcome: models.OutcomeError, Error: "reference harness: " + err.Error()}, "", nil
		}
		group.Go(func() error {
			var err error
			ref, err = c.execute(groupCtx, harness.Language(), referenceProgram, tc)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return CaseResult{}, "", err
	}

	if student.CompileFailed() {
		return CaseResult{TestCase: tc}, student.CompileError, nil
	}
	return compareResults(tc, student, ref), "", nil
}

// compareResults classifies a student run against the reference run.
// Matching clean runs pass and differing clean runs fail. A timeout on either
// side is TIMEOUT. A failed reference run is ERROR, while a failed student run
// keeps its own outcome (RUNTIME_ERROR or MEMORY_EXCEEDED) as in exact match.
func compareResults(tc models.TestCase, student, reference sandbox.Result) CaseResult {
	out := CaseResult{
		TestCase:      tc,
		Actual:        NormalizeOutput(student.Stdout),
		Expected:      NormalizeOutput(reference.Stdout),
		ExecutionTime: student.WallTime,
		MemoryKB:      student.PeakMemoryKB,
		Backend:       student.Backend,
	}
	switch {
	case student.TimedOut:
		out.Outcome, out.Error = models.OutcomeTimeout, "time limit exceeded"
	case reference.TimedOut:
		out.Outcome, out.Error = models.OutcomeTimeout, "reference implementation exceeded the time limit"
	case !reference.Succeeded():
		out.Outcome = models.OutcomeError
		out.Error = "reference implementation failed: " + truncate(firstNonEmpty(reference.CompileError, reference.Stderr, reference.Outcome()), maxReasonLength)
	default:
		failure, msg := outcomeOf(student)
		if failure != "" {
			out.Outcome, out.Error = failure, msg
			return out
		}
		out.Passed = out.Actual == out.Expected
		if out.Passed {
			out.Outcome = models.OutcomePassed
		} else {
			out.Outcome, out.Error = models.OutcomeWrongAnswer, "output differs from the reference implementation"
		}
	}
	return out
}

func (c *ReferenceComparator) execute(ctx context.Context, lang language.Spec, program string, tc models.TestCase) (sandbox.Result, error) {
	return c.backend.Execute(ctx, sandbox.Request{
		Language:      lang,
		Code:          program,
		Stdin:         DecodeInput(tc.Input),
		TimeLimit:     tc.TimeLimit(),
		MemoryLimitMB: tc.MemoryLimit(),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
