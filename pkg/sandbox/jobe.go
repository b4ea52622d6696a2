package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

// Jobe run outcomes.
const (
	jobeCompileError   = 11
	jobeRuntimeError   = 12
	jobeTimeLimit      = 13
	jobeOK             = 15
	jobeMemoryLimit    = 17
	jobeIllegalSyscall = 19
	jobeInternalError  = 20
	jobeServerOverload = 21
)

const jobeLanguagesKey = "languages"

// ErrJobeFailure is returned when the Jobe server cannot complete a run.
var ErrJobeFailure = errors.New("jobe server failure")

// JobeConfig configures the external judge backend.
type JobeConfig struct {
	URL             string
	APIKey          string
	RequestTimeout  time.Duration
	AvailabilityTTL time.Duration
	Stages          Stages
	HTTPClient      *http.Client
	Logger          zerolog.Logger
}

// JobeBackend delegates compile and run to a Jobe server over REST.
type JobeBackend struct {
	cfg       JobeConfig
	client    *http.Client
	logger    zerolog.Logger
	languages *theine.LoadingCache[string, map[string]bool]
}

type jobeRunSpec struct {
	LanguageID     string         `json:"language_id"`
	SourceCode     string         `json:"sourcecode"`
	SourceFilename string         `json:"sourcefilename"`
	Input          string         `json:"input"`
	Parameters     jobeParameters `json:"parameters"`
}

type jobeParameters struct {
	CPUTime     int `json:"cputime"`
	MemoryLimit int `json:"memorylimit"`
}

type jobeRunRequest struct {
	RunSpec jobeRunSpec `json:"run_spec"`
}

type jobeRunResponse struct {
	RunID   string `json:"run_id"`
	Outcome int    `json:"outcome"`
	CmpInfo string `json:"cmpinfo"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// NewJobeBackend constructs a Jobe client.
func NewJobeBackend(cfg JobeConfig) (*JobeBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("jobe url is required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = time.Minute
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	b := &JobeBackend{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "sandbox_jobe").Logger(),
	}

	cache, err := theine.NewBuilder[string, map[string]bool](4).BuildWithLoader(func(ctx context.Context, _ string) (theine.Loaded[map[string]bool], error) {
		langs, err := b.fetchLanguages(ctx)
		if err != nil {
			return theine.Loaded[map[string]bool]{}, err
		}
		return theine.Loaded[map[string]bool]{Value: langs, Cost: 1, TTL: cfg.AvailabilityTTL}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build jobe language cache: %w", err)
	}
	b.languages = cache

	return b, nil
}

// Name implements Backend.
func (b *JobeBackend) Name() string {
	return "jobe"
}

// Available asks the server which languages it supports.
func (b *JobeBackend) Available(ctx context.Context, lang language.Spec) error {
	if lang.JobeID == "" {
		return fmt.Errorf("%w: jobe does not support %s", ErrToolchainUnavailable, lang.Tag)
	}
	langs, err := b.languages.Get(ctx, jobeLanguagesKey)
	if err != nil {
		return fmt.Errorf("%w: jobe unreachable: %v", ErrToolchainUnavailable, err)
	}
	if !langs[lang.JobeID] {
		return fmt.Errorf("%w: jobe server has no %s toolchain", ErrToolchainUnavailable, lang.JobeID)
	}
	return nil
}

// Execute submits one run to Jobe. Jobe compiles and runs in a single call.
func (b *JobeBackend) Execute(parent context.Context, req Request) (Result, error) {
	req = req.withDefaults()
	spec := req.Language

	ctx, span := tracer.Start(parent, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.backend", b.Name()),
		attribute.String("sandbox.language", string(spec.Tag)),
	))
	defer span.End()

	result := Result{Backend: b.Name()}
	if spec.JobeID == "" {
		return result, fmt.Errorf("%w: jobe does not support %s", ErrToolchainUnavailable, spec.Tag)
	}

	sourceName, _ := spec.EntryPoint(req.Code)
	payload := jobeRunRequest{RunSpec: jobeRunSpec{
		LanguageID:     spec.JobeID,
		SourceCode:     req.Code,
		SourceFilename: sourceName,
		Input:          req.Stdin,
		Parameters: jobeParameters{
			CPUTime:     int(math.Max(1, math.Ceil(req.TimeLimit.Seconds()))),
			MemoryLimit: req.MemoryLimitMB,
		},
	}}

	start := time.Now()
	out, err := b.cfg.Stages.run(ctx, func(ctx context.Context) (processOutcome, error) {
		resp, err := b.submit(ctx, payload)
		if err != nil {
			return processOutcome{}, err
		}
		return translateJobe(resp)
	})
	if err != nil {
		execFailures.WithLabelValues(b.Name()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn().Err(err).Str("language", spec.JobeID).Msg("jobe run failed")
		return result, err
	}

	result.WallTime = time.Since(start)
	if out.compileInfo != "" {
		result.CompileError = out.compileInfo
		observe(result, spec.Tag)
		return result, nil
	}

	result.Stdout = out.stdout
	result.Stderr = out.stderr
	result.ExitCode = out.exitCode
	result.TimedOut = out.timedOut
	result.MemoryExceeded = out.oomKilled

	span.SetAttributes(attribute.String("sandbox.outcome", result.Outcome()))
	observe(result, spec.Tag)
	return result, nil
}

func translateJobe(resp jobeRunResponse) (processOutcome, error) {
	out := processOutcome{stdout: resp.Stdout, stderr: resp.Stderr}
	switch resp.Outcome {
	case jobeOK:
	case jobeCompileError:
		msg := strings.TrimSpace(resp.CmpInfo)
		if msg == "" {
			msg = "compilation failed"
		}
		out.compileInfo = msg
	case jobeRuntimeError:
		out.exitCode = 1
	case jobeTimeLimit:
		out.timedOut = true
		out.exitCode = -1
	case jobeMemoryLimit:
		out.oomKilled = true
		out.exitCode = -1
	case jobeIllegalSyscall:
		out.exitCode = -1
		out.stderr = strings.TrimSpace(out.stderr + "\nillegal system call")
	case jobeInternalError, jobeServerOverload:
		return out, fmt.Errorf("%w: outcome %d", ErrJobeFailure, resp.Outcome)
	default:
		return out, fmt.Errorf("%w: unknown outcome %d", ErrJobeFailure, resp.Outcome)
	}
	return out, nil
}

func (b *JobeBackend) submit(ctx context.Context, payload jobeRunRequest) (jobeRunResponse, error) {
	var decoded jobeRunResponse

	body, err := json.Marshal(payload)
	if err != nil {
		return decoded, fmt.Errorf("encode jobe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+"/jobe/index.php/restapi/runs", bytes.NewReader(body))
	if err != nil {
		return decoded, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return decoded, fmt.Errorf("%w: %v", ErrJobeFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decoded, fmt.Errorf("%w: status %d: %s", ErrJobeFailure, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return decoded, fmt.Errorf("%w: decode response: %v", ErrJobeFailure, err)
	}
	return decoded, nil
}

func (b *JobeBackend) fetchLanguages(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.URL+"/jobe/index.php/restapi/languages", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// the server answers with [["c","11.4.0"],["python3","3.12"]]
	var pairs [][]string
	if err := json.NewDecoder(resp.Body).Decode(&pairs); err != nil {
		return nil, fmt.Errorf("decode languages: %w", err)
	}

	langs := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if len(pair) > 0 {
			langs[pair[0]] = true
		}
	}
	return langs, nil
}

func (b *JobeBackend) authorize(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", b.cfg.APIKey)
	}
}
