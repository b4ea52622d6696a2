// Package sandbox compiles and runs untrusted programs inside per-invocation
// workspaces and reports structured outcomes.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/noah-isme/gema-autograder/pkg/language"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

var (
	// ErrToolchainUnavailable reports that a backend cannot run a language.
	ErrToolchainUnavailable = errors.New("toolchain unavailable")
	// ErrNoBackend is returned by the selector when no backend can run a language.
	ErrNoBackend = errors.New("no execution backend available")
)

var tracer = otel.Tracer("github.com/noah-isme/gema-autograder/pkg/sandbox")

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of sandboxed executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "language"})

	execOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Sandboxed executions by outcome",
	}, []string{"backend", "language", "outcome"})

	execFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "infrastructure_failures_total",
		Help:      "Executions that failed before producing an outcome",
	}, []string{"backend"})

	backendSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "sandbox",
		Name:      "backend_selections_total",
		Help:      "Backend chosen by the hybrid selector",
	}, []string{"backend", "language"})
)

// Default limits applied when a request leaves them unset.
const (
	DefaultTimeLimit      = time.Second
	DefaultMemoryLimitMB  = 128
	DefaultCompileTimeout = 10 * time.Second
	DefaultMaxOutputBytes = 64 * 1024
)

// Backend runs one program for one stdin. The returned error is reserved for
// infrastructure failures; compile errors, runtime failures, timeouts and
// memory exhaustion are reported through Result.
type Backend interface {
	Name() string
	Available(ctx context.Context, lang language.Spec) error
	Execute(ctx context.Context, req Request) (Result, error)
}

// Request describes one compile-and-run invocation.
type Request struct {
	Language      language.Spec
	Code          string
	Stdin         string
	TimeLimit     time.Duration
	MemoryLimitMB int
}

func (r Request) withDefaults() Request {
	if r.TimeLimit <= 0 {
		r.TimeLimit = DefaultTimeLimit
	}
	if r.MemoryLimitMB <= 0 {
		r.MemoryLimitMB = DefaultMemoryLimitMB
	}
	return r
}

// Result is the structured outcome of an invocation.
type Result struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	CompileError    string        `json:"compile_error,omitempty"`
	ExitCode        int           `json:"exit_code"`
	WallTime        time.Duration `json:"wall_time"`
	PeakMemoryKB    int64         `json:"peak_memory_kb"`
	TimedOut        bool          `json:"timed_out"`
	MemoryExceeded  bool          `json:"memory_exceeded"`
	OutputTruncated bool          `json:"output_truncated"`
	Backend         string        `json:"backend"`
}

// CompileFailed reports whether the program never reached the run step.
func (r Result) CompileFailed() bool {
	return r.CompileError != ""
}

// RuntimeFailed reports a non-zero exit or diagnostics on stderr.
func (r Result) RuntimeFailed() bool {
	return r.ExitCode != 0 || strings.TrimSpace(r.Stderr) != ""
}

// Succeeded reports a clean run. Output comparison is still required.
func (r Result) Succeeded() bool {
	return !r.CompileFailed() && !r.TimedOut && !r.MemoryExceeded && !r.RuntimeFailed()
}

// Outcome is the label used for metrics and logs.
func (r Result) Outcome() string {
	switch {
	case r.CompileFailed():
		return "compile_error"
	case r.TimedOut:
		return "timeout"
	case r.MemoryExceeded:
		return "memory_exceeded"
	case r.RuntimeFailed():
		return "runtime_error"
	default:
		return "ok"
	}
}

func observe(result Result, lang language.Language) {
	execDuration.WithLabelValues(result.Backend, string(lang)).Observe(result.WallTime.Seconds())
	execOutcomes.WithLabelValues(result.Backend, string(lang), result.Outcome()).Inc()
}

// Stages routes the compile step and the run step to their worker pools.
// A nil pool runs the step on the calling goroutine.
type Stages struct {
	Compile *workerpool.Pool
	Run     *workerpool.Pool
}

func (s Stages) compile(ctx context.Context, fn func(context.Context) (processOutcome, error)) (processOutcome, error) {
	return runStage(ctx, s.Compile, fn)
}

func (s Stages) run(ctx context.Context, fn func(context.Context) (processOutcome, error)) (processOutcome, error) {
	return runStage(ctx, s.Run, fn)
}

func runStage(ctx context.Context, pool *workerpool.Pool, fn func(context.Context) (processOutcome, error)) (processOutcome, error) {
	if pool == nil {
		return fn(ctx)
	}
	return workerpool.Run(ctx, pool, fn)
}

// processOutcome is what a backend learns from one compile or run step.
type processOutcome struct {
	stdout      string
	stderr      string
	compileInfo string
	exitCode    int
	wall        time.Duration
	peakKB      int64
	timedOut    bool
	oomKilled   bool
	truncated   bool
}

// compileFailed treats a non-zero exit, or an error diagnostic line on
// stderr, as a failed compilation. Warnings and source text that merely
// mentions "error" do not fail the build.
func compileFailed(out processOutcome) bool {
	if out.timedOut || out.exitCode != 0 {
		return true
	}
	for _, line := range strings.Split(out.stderr, "\n") {
		if isErrorDiagnostic(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// isErrorDiagnostic matches gcc/clang/go style "file:line: error: ..." lines
// and bare "error: ..." or "fatal error: ..." lines from javac and rustc.
func isErrorDiagnostic(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range []string{"error:", "error[", "fatal error:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return strings.Contains(lower, ": error:") || strings.Contains(lower, ": fatal error:")
}

func compileMessage(out processOutcome, timeout time.Duration) string {
	if out.timedOut {
		return "compilation timed out after " + timeout.String()
	}
	msg := strings.TrimSpace(out.stderr)
	if msg == "" {
		msg = strings.TrimSpace(out.stdout)
	}
	if msg == "" {
		msg = "compiler exited with a non-zero status"
	}
	return msg
}

var memoryFailureMarkers = []string{
	"memoryerror",
	"std::bad_alloc",
	"cannot allocate memory",
	"out of memory",
	"outofmemoryerror",
	"heap out of memory",
	"runtime: out of memory",
}

func looksLikeMemoryFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range memoryFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
