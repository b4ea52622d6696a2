package grading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
)

// CaseResult is the outcome of one test case before it is persisted.
type CaseResult struct {
	TestCase      models.TestCase    `json:"-"`
	Outcome       models.TestOutcome `json:"outcome"`
	Passed        bool               `json:"passed"`
	Actual        string             `json:"actual_output"`
	Expected      string             `json:"expected_output"`
	Error         string             `json:"error,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time"`
	MemoryKB      int64              `json:"memory_kb"`
	Backend       string             `json:"backend,omitempty"`
}

// RunReport is what a test run produced for one program. When CompileError is
// set no case was recorded.
type RunReport struct {
	CompileError string
	Cases        []CaseResult
}

// TestRunner runs a program against the test cases of a question.
type TestRunner struct {
	backend     sandbox.Backend
	parallelism int
	logger      zerolog.Logger
}

// NewTestRunner builds a runner. Parallelism bounds how many test cases of a
// single run execute at once; values below 1 run them one by one.
func NewTestRunner(backend sandbox.Backend, parallelism int, logger zerolog.Logger) *TestRunner {
	if parallelism < 1 {
		parallelism = 1
	}
	return &TestRunner{
		backend:     backend,
		parallelism: parallelism,
		logger:      logger.With().Str("component", "test_runner").Logger(),
	}
}

// RunOnce executes code against a single ad-hoc stdin.
func (r *TestRunner) RunOnce(ctx context.Context, lang language.Spec, code, stdin string, timeLimit time.Duration, memoryMB int) (sandbox.Result, error) {
	return r.backend.Execute(ctx, sandbox.Request{
		Language:      lang,
		Code:          code,
		Stdin:         DecodeInput(stdin),
		TimeLimit:     timeLimit,
		MemoryLimitMB: memoryMB,
	})
}

// RunTests runs every test case, hidden or not, in stored order. The first
// case runs alone so a compile error stops the run before any other case is
// scheduled. Failures of single cases are recorded and never stop siblings;
// an error is returned only when no backend can run the language at all.
func (r *TestRunner) RunTests(ctx context.Context, lang language.Spec, code string, cases []models.TestCase) (RunReport, error) {
	if len(cases) == 0 {
		return RunReport{}, nil
	}

	execute := func(ctx context.Context, tc models.TestCase) (sandbox.Result, error) {
		return r.backend.Execute(ctx, sandbox.Request{
			Language:      lang,
			Code:          code,
			Stdin:         DecodeInput(tc.Input),
			TimeLimit:     tc.TimeLimit(),
			MemoryLimitMB: tc.MemoryLimit(),
		})
	}

	results := make([]CaseResult, len(cases))
	first, err := execute(ctx, cases[0])
	switch {
	case err == nil && first.CompileFailed():
		return RunReport{CompileError: first.CompileError}, nil
	case err == nil:
		results[0] = classify(cases[0], first)
	case ctx.Err() != nil:
		return RunReport{}, ctx.Err()
	case errors.Is(err, sandbox.ErrNoBackend), errors.Is(err, sandbox.ErrToolchainUnavailable):
		return RunReport{}, err
	default:
		r.logger.Warn().Err(err).Uint("test_case_id", cases[0].ID).Msg("test case execution failed")
		results[0] = infrastructureFailure(cases[0], err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.parallelism)
	for i := 1; i < len(cases); i++ {
		i := i
		group.Go(func() error {
			res, err := execute(groupCtx, cases[i])
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.Warn().Err(err).Uint("test_case_id", cases[i].ID).Msg("test case execution failed")
				results[i] = infrastructureFailure(cases[i], err)
				return nil
			}
			results[i] = classify(cases[i], res)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return RunReport{}, err
	}
	return RunReport{Cases: results}, nil
}

// classify compares one execution with the expected output of its case.
func classify(tc models.TestCase, res sandbox.Result) CaseResult {
	out := CaseResult{
		TestCase:      tc,
		Actual:        NormalizeOutput(res.Stdout),
		Expected:      NormalizeOutput(tc.ExpectedOutput),
		ExecutionTime: res.WallTime,
		MemoryKB:      res.PeakMemoryKB,
		Backend:       res.Backend,
	}
	out.Outcome, out.Error = outcomeOf(res)
	if out.Outcome == "" {
		out.Passed = out.Actual == out.Expected
		out.Outcome = models.OutcomeWrongAnswer
		if out.Passed {
			out.Outcome = models.OutcomePassed
		}
	}
	return out
}

// outcomeOf returns the failure classification of an execution, or an empty
// outcome when the program ran cleanly and its output decides.
func outcomeOf(res sandbox.Result) (models.TestOutcome, string) {
	switch {
	case res.CompileFailed():
		return models.OutcomeError, res.CompileError
	case res.TimedOut:
		return models.OutcomeTimeout, "time limit exceeded"
	case res.MemoryExceeded:
		return models.OutcomeMemoryExceeded, "memory limit exceeded"
	case res.RuntimeFailed():
		msg := res.Stderr
		if msg == "" {
			msg = fmt.Sprintf("process exited with status %d", res.ExitCode)
		}
		return models.OutcomeRuntimeError, msg
	default:
		return "", ""
	}
}

func infrastructureFailure(tc models.TestCase, err error) CaseResult {
	msg := "execution failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "execution deadline exceeded"
	}
	return CaseResult{
		TestCase: tc,
		Outcome:  models.OutcomeError,
		Expected: NormalizeOutput(tc.ExpectedOutput),
		Error:    msg + ": " + err.Error(),
	}
}
