package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

const (
	containerWorkdir = "/workspace"
	stdinFile        = ".stdin"
)

// DockerConfig groups Docker backend configuration values.
type DockerConfig struct {
	Host            string
	User            string // uid:gid for containers, defaults to the server's identity
	WorkspaceRoot   string
	CompileTimeout  time.Duration
	CompileMemoryMB int64
	CPUShares       int64
	MaxOutputBytes  int
	Stages          Stages
	Logger          zerolog.Logger
}

// DockerBackend runs each step in a throwaway container with the workspace
// bind-mounted at /workspace and networking disabled.
type DockerBackend struct {
	client *client.Client
	cfg    DockerConfig
	logger zerolog.Logger
}

// NewDockerBackend constructs a Docker backed executor.
func NewDockerBackend(cfg DockerConfig) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}
	if cfg.CompileMemoryMB <= 0 {
		cfg.CompileMemoryMB = 512
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.User == "" {
		cfg.User = hostUser()
	}

	return &DockerBackend{
		client: cli,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sandbox_docker").Logger(),
	}, nil
}

// Name implements Backend.
func (b *DockerBackend) Name() string {
	return "docker"
}

// Available pings the daemon and checks that the language image is present.
func (b *DockerBackend) Available(ctx context.Context, lang language.Spec) error {
	if lang.DockerImage == "" {
		return fmt.Errorf("%w: no image configured for %s", ErrToolchainUnavailable, lang.Tag)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := b.client.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: docker daemon unreachable: %v", ErrToolchainUnavailable, err)
	}
	if _, _, err := b.client.ImageInspectWithRaw(pingCtx, lang.DockerImage); err != nil {
		return fmt.Errorf("%w: image %s not present: %v", ErrToolchainUnavailable, lang.DockerImage, err)
	}
	return nil
}

// Execute compiles and runs the request in two containers sharing a workspace.
func (b *DockerBackend) Execute(parent context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	spec := req.Language
	image := spec.DockerImage

	ctx, span := tracer.Start(parent, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.backend", b.Name()),
		attribute.String("sandbox.language", string(spec.Tag)),
		attribute.String("docker.image", image),
	))
	defer span.End()

	result := Result{Backend: b.Name()}
	if image == "" {
		return result, fmt.Errorf("%w: no image configured for %s", ErrToolchainUnavailable, spec.Tag)
	}

	ws, err := NewWorkspace(b.cfg.WorkspaceRoot)
	if err != nil {
		execFailures.WithLabelValues(b.Name()).Inc()
		return result, err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			b.logger.Error().Err(err).Str("workspace", ws.Dir).Msg("failed to remove workspace")
		}
	}()

	sourceName, class := spec.EntryPoint(req.Code)
	if _, err := ws.WriteFile(sourceName, req.Code); err != nil {
		return result, err
	}
	if _, err := ws.WriteFile(stdinFile, req.Stdin); err != nil {
		return result, err
	}

	vars := language.Vars{
		Source:   containerWorkdir + "/" + sourceName,
		Workdir:  containerWorkdir,
		Class:    class,
		MemoryMB: req.MemoryLimitMB,
	}
	if spec.BinaryFile != "" {
		vars.Binary = containerWorkdir + "/" + spec.BinaryFile
	}
	env := spec.Environment(vars)

	if spec.Compiled {
		argv, err := spec.CompileCommand(vars)
		if err != nil {
			return result, err
		}
		out, err := b.cfg.Stages.compile(ctx, func(ctx context.Context) (processOutcome, error) {
			return b.runContainer(ctx, containerSpec{
				image:     image,
				cmd:       argv,
				env:       env,
				workspace: ws.Dir,
				timeout:   b.cfg.CompileTimeout,
				memoryMB:  b.cfg.CompileMemoryMB,
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
	// sh redirects the workspace stdin file so no attach stream is needed
	cmd := append([]string{"sh", "-c", `exec "$@" < ` + containerWorkdir + "/" + stdinFile, "sh"}, argv...)

	out, err := b.cfg.Stages.run(ctx, func(ctx context.Context) (processOutcome, error) {
		return b.runContainer(ctx, containerSpec{
			image:     image,
			cmd:       cmd,
			env:       env,
			workspace: ws.Dir,
			timeout:   req.TimeLimit,
			memoryMB:  int64(req.MemoryLimitMB),
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
	result.TimedOut = out.timedOut
	result.OutputTruncated = out.truncated
	result.MemoryExceeded = !out.timedOut && (out.oomKilled || (out.exitCode != 0 && looksLikeMemoryFailure(out.stderr)))

	span.SetAttributes(attribute.String("sandbox.outcome", result.Outcome()))
	observe(result, spec.Tag)
	return result, nil
}

type containerSpec struct {
	image     string
	cmd       []string
	env       []string
	workspace string
	timeout   time.Duration
	memoryMB  int64
}

func (b *DockerBackend) containerConfig(spec containerSpec) (*container.Config, *container.HostConfig) {
	memory := spec.memoryMB * 1024 * 1024
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUShares:  b.cfg.CPUShares,
		},
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.workspace,
			Target: containerWorkdir,
		}},
	}

	config := &container.Config{
		Image:           spec.image,
		Cmd:             spec.cmd,
		Env:             spec.env,
		User:            b.cfg.User,
		WorkingDir:      containerWorkdir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}
	return config, hostCfg
}

func hostUser() string {
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}

func (b *DockerBackend) runContainer(ctx context.Context, spec containerSpec) (processOutcome, error) {
	var out processOutcome

	runCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	config, hostCfg := b.containerConfig(spec)

	start := time.Now()
	resp, err := b.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return out, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return out, fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := b.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		out.exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		waitErr = runCtx.Err()
	}
	out.wall = time.Since(start)

	if waitErr != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.timedOut = true
			out.exitCode = -1
		} else if ctx.Err() == nil {
			return out, fmt.Errorf("container wait: %w", waitErr)
		}
		killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.client.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			b.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill container")
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}

	logCtx, cancelLogs := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLogs()
	logReader, err := b.client.ContainerLogs(logCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		defer logReader.Close()
		stdout, stderr, truncated, err := splitDockerLogs(logReader, b.cfg.MaxOutputBytes)
		if err != nil {
			b.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to read container logs")
		} else {
			out.stdout, out.stderr, out.truncated = stdout, stderr, truncated
		}
	} else {
		b.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to fetch container logs")
	}

	inspect, err := b.client.ContainerInspect(logCtx, containerID)
	if err == nil && inspect.State != nil {
		out.oomKilled = inspect.State.OOMKilled
	}

	return out, nil
}

func splitDockerLogs(reader io.Reader, limit int) (string, string, bool, error) {
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		return "", "", false, err
	}
	return stdout.String(), stderr.String(), stdout.truncated || stderr.truncated, nil
}

// Close shuts down the underlying Docker client.
func (b *DockerBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
