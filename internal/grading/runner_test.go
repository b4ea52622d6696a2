package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
)

// scriptedBackend answers every request with the result of script.
type scriptedBackend struct {
	mu       sync.Mutex
	script   func(req sandbox.Request) (sandbox.Result, error)
	requests []sandbox.Request
}

func newScriptedBackend(script func(req sandbox.Request) (sandbox.Result, error)) *scriptedBackend {
	return &scriptedBackend{script: script}
}

// echoBackend prints the stdin back, which makes every "x" -> "x" case pass.
func echoBackend() *scriptedBackend {
	return newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{Stdout: req.Stdin + "\n", Backend: "stub"}, nil
	})
}

func (b *scriptedBackend) Name() string { return "stub" }

func (b *scriptedBackend) Available(context.Context, language.Spec) error { return nil }

func (b *scriptedBackend) Execute(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.script(req)
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func casesFor(pairs ...string) []models.TestCase {
	cases := make([]models.TestCase, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		tc := models.NewTestCase(pairs[i], pairs[i+1])
		tc.ID = uint(i/2 + 1)
		cases = append(cases, tc)
	}
	return cases
}

func TestRunTestsClassifiesEveryCase(t *testing.T) {
	backend := newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		switch req.Stdin {
		case "slow":
			return sandbox.Result{TimedOut: true, ExitCode: -1}, nil
		case "crash":
			return sandbox.Result{ExitCode: 1, Stderr: "Traceback: boom"}, nil
		case "exit":
			return sandbox.Result{ExitCode: 3}, nil
		case "big":
			return sandbox.Result{MemoryExceeded: true, ExitCode: 137}, nil
		default:
			return sandbox.Result{Stdout: req.Stdin + "  \r\n\n"}, nil
		}
	})
	runner := NewTestRunner(backend, 4, zerolog.Nop())
	cases := casesFor("ok", "ok", "slow", "x", "crash", "x", "exit", "x", "big", "x", "ok", "different")

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.Python), "print(input())", cases)
	require.NoError(t, err)
	require.Empty(t, report.CompileError)
	require.Len(t, report.Cases, 6)

	want := []models.TestOutcome{
		models.OutcomePassed,
		models.OutcomeTimeout,
		models.OutcomeRuntimeError,
		models.OutcomeRuntimeError,
		models.OutcomeMemoryExceeded,
		models.OutcomeWrongAnswer,
	}
	for i, outcome := range want {
		require.Equal(t, outcome, report.Cases[i].Outcome, "case %d", i)
		require.Equal(t, cases[i].ID, report.Cases[i].TestCase.ID)
	}
	require.True(t, report.Cases[0].Passed)
	require.Equal(t, "Traceback: boom", report.Cases[2].Error)
	require.Equal(t, "process exited with status 3", report.Cases[3].Error)
	require.Equal(t, 6, backend.calls())
}

func TestRunTestsStopsOnCompileError(t *testing.T) {
	backend := newScriptedBackend(func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{CompileError: "main.c:3: error: expected ';'", ExitCode: 1}, nil
	})
	runner := NewTestRunner(backend, 4, zerolog.Nop())

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.C), "int main( {", casesFor("1", "1", "2", "2", "3", "3"))
	require.NoError(t, err)
	require.Contains(t, report.CompileError, "expected ';'")
	require.Empty(t, report.Cases)
	require.Equal(t, 1, backend.calls())
}

func TestRunTestsOneTimeoutDoesNotAffectSiblings(t *testing.T) {
	backend := newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		if req.Stdin == "3" {
			return sandbox.Result{TimedOut: true, WallTime: req.TimeLimit}, nil
		}
		return sandbox.Result{Stdout: req.Stdin}, nil
	})
	runner := NewTestRunner(backend, 2, zerolog.Nop())
	cases := casesFor("1", "1", "2", "2", "3", "3", "4", "4", "5", "5")

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.CPP), "code", cases)
	require.NoError(t, err)
	require.Len(t, report.Cases, 5)

	passed := 0
	for _, c := range report.Cases {
		if c.Passed {
			passed++
		}
	}
	require.Equal(t, 4, passed)
	require.Equal(t, models.OutcomeTimeout, report.Cases[2].Outcome)
	require.Equal(t, time.Second, report.Cases[2].ExecutionTime)

	score := DefaultPolicy().ScoreQuestion(models.Question{Points: 10, TestCases: cases}, report.Cases, "")
	require.InDelta(t, 8, score.Score, 1e-9)
	require.Equal(t, models.StatusPassed, score.Status)
}

func TestRunTestsRecordsInfrastructureFailures(t *testing.T) {
	backend := newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		if req.Stdin == "2" {
			return sandbox.Result{}, errors.New("docker daemon unreachable")
		}
		return sandbox.Result{Stdout: req.Stdin}, nil
	})
	runner := NewTestRunner(backend, 2, zerolog.Nop())

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.Python), "code", casesFor("1", "1", "2", "2"))
	require.NoError(t, err)
	require.Equal(t, models.OutcomePassed, report.Cases[0].Outcome)
	require.Equal(t, models.OutcomeError, report.Cases[1].Outcome)
	require.True(t, strings.Contains(report.Cases[1].Error, "docker daemon unreachable"))
}

func TestRunTestsFailsWhenFirstCaseCannotRun(t *testing.T) {
	backend := newScriptedBackend(func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, sandbox.ErrNoBackend
	})
	runner := NewTestRunner(backend, 2, zerolog.Nop())

	_, err := runner.RunTests(context.Background(), language.MustLookup(language.Java), "code", casesFor("1", "1"))
	require.ErrorIs(t, err, sandbox.ErrNoBackend)
}

func TestRunTestsRecordsFirstCaseInfrastructureFailure(t *testing.T) {
	backend := newScriptedBackend(func(req sandbox.Request) (sandbox.Result, error) {
		if req.Stdin == "1" {
			return sandbox.Result{}, errors.New("container create: conflict")
		}
		return sandbox.Result{Stdout: req.Stdin}, nil
	})
	runner := NewTestRunner(backend, 2, zerolog.Nop())

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.Python), "code", casesFor("1", "1", "2", "2"))
	require.NoError(t, err)
	require.Empty(t, report.CompileError)
	require.Len(t, report.Cases, 2)
	require.Equal(t, models.OutcomeError, report.Cases[0].Outcome)
	require.Contains(t, report.Cases[0].Error, "container create: conflict")
	require.Equal(t, models.OutcomePassed, report.Cases[1].Outcome)
	require.Equal(t, 2, backend.calls())
}

func TestRunTestsFailsWhenToolchainMissing(t *testing.T) {
	backend := newScriptedBackend(func(sandbox.Request) (sandbox.Result, error) {
		return sandbox.Result{}, fmt.Errorf("%w: javac not found", sandbox.ErrToolchainUnavailable)
	})
	runner := NewTestRunner(backend, 2, zerolog.Nop())

	_, err := runner.RunTests(context.Background(), language.MustLookup(language.Java), "code", casesFor("1", "1", "2", "2"))
	require.ErrorIs(t, err, sandbox.ErrToolchainUnavailable)
	require.Equal(t, 1, backend.calls())
}

func TestRunTestsDecodesEscapedInput(t *testing.T) {
	backend := echoBackend()
	runner := NewTestRunner(backend, 1, zerolog.Nop())

	report, err := runner.RunTests(context.Background(), language.MustLookup(language.Python), "code", casesFor(`2\n3 4`, "2\n3 4"))
	require.NoError(t, err)
	require.True(t, report.Cases[0].Passed)
	require.Equal(t, "2\n3 4", backend.requests[0].Stdin)
}

func TestRunOnceUsesGivenLimits(t *testing.T) {
	backend := echoBackend()
	runner := NewTestRunner(backend, 1, zerolog.Nop())

	res, err := runner.RunOnce(context.Background(), language.MustLookup(language.JavaScript), "code", "hi", 2*time.Second, 64)
	require.NoError(t, err)
	require.Equal(t, "hi\n", res.Stdout)
	require.Equal(t, 2*time.Second, backend.requests[0].TimeLimit)
	require.Equal(t, 64, backend.requests[0].MemoryLimitMB)
}
