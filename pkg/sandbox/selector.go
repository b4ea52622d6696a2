package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

// Strategy names accepted by ParseStrategy.
const (
	StrategyLocal  = "local"
	StrategyDocker = "docker"
	StrategyJobe   = "jobe"
	StrategyHybrid = "hybrid"
)

// ParseStrategy returns the backend names to try, in priority order.
func ParseStrategy(strategy string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyLocal:
		return []string{StrategyLocal}, nil
	case StrategyDocker:
		return []string{StrategyDocker}, nil
	case StrategyJobe:
		return []string{StrategyJobe}, nil
	case "", StrategyHybrid:
		return []string{StrategyLocal, StrategyDocker, StrategyJobe}, nil
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", strategy)
	}
}

// Selector tries its backends in a fixed priority order and delegates to the
// first one that can run the language. It is itself a Backend.
type Selector struct {
	backends []Backend
	logger   zerolog.Logger
}

// NewSelector builds a selector over backends in priority order.
func NewSelector(logger zerolog.Logger, backends ...Backend) *Selector {
	filtered := make([]Backend, 0, len(backends))
	for _, backend := range backends {
		if backend != nil {
			filtered = append(filtered, backend)
		}
	}
	return &Selector{
		backends: filtered,
		logger:   logger.With().Str("component", "sandbox_selector").Logger(),
	}
}

// Name implements Backend.
func (s *Selector) Name() string {
	return StrategyHybrid
}

// Backends lists the configured backend names in priority order.
func (s *Selector) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for _, backend := range s.backends {
		names = append(names, backend.Name())
	}
	return names
}

// AvailableBackends lists, in priority order, the backends able to run lang.
func (s *Selector) AvailableBackends(ctx context.Context, lang language.Spec) []string {
	names := make([]string, 0, len(s.backends))
	for _, backend := range s.backends {
		if backend.Available(ctx, lang) == nil {
			names = append(names, backend.Name())
		}
	}
	return names
}

// Select returns the first available backend or an ErrNoBackend error that
// names every reason a backend was skipped.
func (s *Selector) Select(ctx context.Context, lang language.Spec) (Backend, error) {
	reasons := make([]string, 0, len(s.backends))
	for _, backend := range s.backends {
		err := backend.Available(ctx, lang)
		if err == nil {
			backendSelections.WithLabelValues(backend.Name(), string(lang.Tag)).Inc()
			return backend, nil
		}
		s.logger.Debug().Err(err).Str("backend", backend.Name()).Str("language", string(lang.Tag)).Msg("backend skipped")
		reasons = append(reasons, backend.Name()+": "+err.Error())
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no backends configured")
	}
	return nil, fmt.Errorf("%w for %s (%s)", ErrNoBackend, lang.Tag, strings.Join(reasons, "; "))
}

// Available implements Backend.
func (s *Selector) Available(ctx context.Context, lang language.Spec) error {
	_, err := s.Select(ctx, lang)
	return err
}

// Execute runs the request on the selected backend.
func (s *Selector) Execute(ctx context.Context, req Request) (Result, error) {
	backend, err := s.Select(ctx, req.Language)
	if err != nil {
		return Result{Backend: s.Name()}, err
	}
	return backend.Execute(ctx, req)
}
