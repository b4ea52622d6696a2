package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

// LocalConfig configures the host toolchain backend.
type LocalConfig struct {
	WorkspaceRoot   string
	CompileTimeout  time.Duration
	MaxOutputBytes  int
	AvailabilityTTL time.Duration
	Stages          Stages
	Logger          zerolog.Logger
}

// LocalBackend runs compilers and interpreters installed on the host.
type LocalBackend struct {
	cfg          LocalConfig
	logger       zerolog.Logger
	lookPath     func(string) (string, error)
	availability *theine.LoadingCache[string, string]
}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 30 * time.Second
	}

	b := &LocalBackend{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "sandbox_local").Logger(),
		lookPath: exec.LookPath,
	}

	cache, err := theine.NewBuilder[string, string](64).BuildWithLoader(func(ctx context.Context, toolchain string) (theine.Loaded[string], error) {
		missing := ""
		for _, tool := range strings.Fields(toolchain) {
			if _, err := b.lookPath(tool); err != nil {
				missing = tool
				break
			}
		}
		return theine.Loaded[string]{Value: missing, Cost: 1, TTL: cfg.AvailabilityTTL}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build availability cache: %w", err)
	}
	b.availability = cache

	return b, nil
}

// Name implements Backend.
func (b *LocalBackend) Name() string {
	return "local"
}

// Available checks that every executable of the toolchain is on PATH.
func (b *LocalBackend) Available(ctx context.Context, lang language.Spec) error {
	tools := lang.Toolchain()
	if len(tools) == 0 {
		return nil
	}
	missing, err := b.availability.Get(ctx, strings.Join(tools, " "))
	if err != nil {
		return fmt.Errorf("check toolchain: %w", err)
	}
	if missing != "" {
		return fmt.Errorf("%w: %s requires %q on the host", ErrToolchainUnavailable, lang.Tag, missing)
	}
	return nil
}

// Execute compiles (when needed) and runs the request in a fresh workspace.
func (b *LocalBackend) Execute(parent context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	spec := req.Language

	ctx, span := tracer.Start(parent, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.backend", b.Name()),
		attribute.String("sandbox.language", string(spec.Tag)),
	))
	defer span.End()

	result := Result{Backend: b.Name()}

	if err := b.Available(ctx, spec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	ws, err := NewWorkspace(b.cfg.WorkspaceRoot)
	if err != nil {
		execFailures.WithLabelValues(b.Name()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			b.logger.Error().Err(err).Str("workspace", ws.Dir).Msg("failed to remove workspace")
		}
	}()

	sourceName, class := spec.EntryPoint(req.Code)
	source, err := ws.WriteFile(sourceName, req.Code)
	if err != nil {
		execFailures.WithLabelValues(b.Name()).Inc()
		return result, err
	}

	vars := language.Vars{
		Source:   source,
		Binary:   ws.Path(spec.BinaryFile),
		Workdir:  ws.Dir,
		Class:    class,
		MemoryMB: req.MemoryLimitMB,
	}
	env := programEnv(ws.Dir, spec.Environment(vars))

	if spec.Compiled {
		argv, err := spec.CompileCommand(vars)
		if err != nil {
			return result, err
		}
		out, err := b.cfg.Stages.compile(ctx, func(ctx context.Context) (processOutcome, error) {
			return runProcess(ctx, processSpec{
				argv:      argv,
				dir:       ws.Dir,
				env:       env,
				timeout:   b.cfg.CompileTimeout,
				maxOutput: b.cfg.MaxOutputBytes,
			})
		})
		if err != nil {
			execFailures.WithLabelValues(b.Name()).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("compile step: %w", err)
		}
		if compileFailed(out) {
			result.CompileError = compileMessage(out, b.cfg.CompileTimeout)
			result.ExitCode = out.exitCode
			result.WallTime = out.wall
			observe(result, spec.Tag)
			return result, nil
		}
	}

	argv, err := spec.RunCommand(vars)
	if err != nil {
		return result, err
	}
	out, err := b.cfg.Stages.run(ctx, func(ctx context.Context) (processOutcome, error) {
		return runProcess(ctx, processSpec{
			argv:              argv,
			dir:               ws.Dir,
			env:               env,
			stdin:             req.Stdin,
			timeout:           req.TimeLimit,
			memoryMB:          req.MemoryLimitMB,
			limitAddressSpace: !spec.ReservesAddressSpace,
			maxOutput:         b.cfg.MaxOutputBytes,
		})
	})
	if err != nil {
		execFailures.WithLabelValues(b.Name()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("run step: %w", err)
	}

	result.Stdout = out.stdout
	result.Stderr = out.stderr
	result.ExitCode = out.exitCode
	result.WallTime = out.wall
	result.PeakMemoryKB = out.peakKB
	result.TimedOut = out.timedOut
	result.OutputTruncated = out.truncated
	if !out.timedOut {
		limitKB := int64(req.MemoryLimitMB) * 1024
		result.MemoryExceeded = out.peakKB > limitKB ||
			(out.exitCode != 0 && looksLikeMemoryFailure(out.stderr))
	}

	span.SetAttributes(attribute.String("sandbox.outcome", result.Outcome()))
	observe(result, spec.Tag)
	return result, nil
}

type processSpec struct {
	argv              []string
	dir               string
	env               []string
	stdin             string
	timeout           time.Duration
	memoryMB          int
	limitAddressSpace bool
	maxOutput         int
}

// runProcess runs one command in its own process group and kills the whole
// group when the deadline passes or ctx is cancelled.
func runProcess(ctx context.Context, p processSpec) (processOutcome, error) {
	var out processOutcome
	if len(p.argv) == 0 {
		return out, errors.New("empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdin = strings.NewReader(p.stdin)
	stdout := newCappedBuffer(p.maxOutput)
	stderr := newCappedBuffer(p.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 500 * time.Millisecond
	isolateProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return out, fmt.Errorf("%w: %s", ErrToolchainUnavailable, p.argv[0])
		}
		return out, fmt.Errorf("start %s: %w", p.argv[0], err)
	}
	if p.limitAddressSpace && p.memoryMB > 0 {
		// best effort: the child may already be running when the limit lands
		_ = limitAddressSpace(cmd.Process.Pid, p.memoryMB)
	}

	waitErr := cmd.Wait()
	out.wall = time.Since(start)
	out.stdout = stdout.String()
	out.stderr = stderr.String()
	out.truncated = stdout.truncated || stderr.truncated

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	out.timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)

	state := cmd.ProcessState
	if state == nil {
		return out, fmt.Errorf("wait %s: %w", p.argv[0], waitErr)
	}
	out.exitCode = state.ExitCode()
	out.peakKB = peakMemoryKB(state)
	return out, nil
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// programEnv builds the environment for toolchains and student programs. The
// server environment is never inherited; only PATH and locale are carried over.
func programEnv(workdir string, extra []string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "C.UTF-8"
	}
	env := []string{
		"PATH=" + path,
		"LANG=" + lang,
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
	}
	return append(env, extra...)
}
