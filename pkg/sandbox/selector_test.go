package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

type stubBackend struct {
	name     string
	availErr error
	calls    int
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Available(context.Context, language.Spec) error { return s.availErr }

func (s *stubBackend) Execute(_ context.Context, req Request) (Result, error) {
	s.calls++
	return Result{Backend: s.name, Stdout: req.Stdin}, nil
}

func TestSelectorPrefersFirstAvailableBackend(t *testing.T) {
	local := &stubBackend{name: "local", availErr: fmt.Errorf("%w: gcc missing", ErrToolchainUnavailable)}
	docker := &stubBackend{name: "docker"}
	jobe := &stubBackend{name: "jobe"}
	selector := NewSelector(zerolog.Nop(), local, docker, jobe)

	result, err := selector.Execute(context.Background(), Request{Language: language.MustLookup(language.C), Stdin: "echo"})
	require.NoError(t, err)
	require.Equal(t, "docker", result.Backend)
	require.Equal(t, "echo", result.Stdout)
	require.Zero(t, local.calls)
	require.Equal(t, 1, docker.calls)
	require.Zero(t, jobe.calls)
	require.Equal(t, []string{"local", "docker", "jobe"}, selector.Backends())
	require.Equal(t, []string{"docker", "jobe"}, selector.AvailableBackends(context.Background(), language.MustLookup(language.C)))
}

func TestSelectorFailsLoudlyWhenNothingIsAvailable(t *testing.T) {
	selector := NewSelector(zerolog.Nop(),
		&stubBackend{name: "local", availErr: fmt.Errorf("%w: javac missing", ErrToolchainUnavailable)},
		&stubBackend{name: "jobe", availErr: fmt.Errorf("%w: jobe unreachable", ErrToolchainUnavailable)},
	)

	_, err := selector.Execute(context.Background(), Request{Language: language.MustLookup(language.Java)})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoBackend))
	require.Contains(t, err.Error(), "java")
	require.Contains(t, err.Error(), "javac missing")
	require.Contains(t, err.Error(), "jobe unreachable")
}

func TestSelectorWithoutBackends(t *testing.T) {
	selector := NewSelector(zerolog.Nop(), nil)
	err := selector.Available(context.Background(), language.MustLookup(language.Python))
	require.True(t, errors.Is(err, ErrNoBackend))
}

func TestParseStrategy(t *testing.T) {
	order, err := ParseStrategy("hybrid")
	require.NoError(t, err)
	require.Equal(t, []string{StrategyLocal, StrategyDocker, StrategyJobe}, order)

	order, err = ParseStrategy("JOBE")
	require.NoError(t, err)
	require.Equal(t, []string{StrategyJobe}, order)

	_, err = ParseStrategy("kubernetes")
	require.Error(t, err)
}
