package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/pkg/language"
)

func newJobeServer(t *testing.T, outcome int, languageCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobe/index.php/restapi/languages", func(w http.ResponseWriter, r *http.Request) {
		if languageCalls != nil {
			languageCalls.Add(1)
		}
		_ = json.NewEncoder(w).Encode([][]string{{"c", "13.2"}, {"python3", "3.12"}})
	})
	mux.HandleFunc("/jobe/index.php/restapi/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "secret", r.Header.Get("X-API-KEY"))

		var payload jobeRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "python3", payload.RunSpec.LanguageID)
		require.Equal(t, "main.py", payload.RunSpec.SourceFilename)
		require.Equal(t, 2, payload.RunSpec.Parameters.CPUTime)
		require.Equal(t, 64, payload.RunSpec.Parameters.MemoryLimit)

		_ = json.NewEncoder(w).Encode(jobeRunResponse{
			Outcome: outcome,
			CmpInfo: "SyntaxError: invalid syntax",
			Stdout:  payload.RunSpec.Input,
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestJobe(t *testing.T, url string) *JobeBackend {
	t.Helper()
	backend, err := NewJobeBackend(JobeConfig{URL: url + "/", APIKey: "secret", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return backend
}

func jobeRequest() Request {
	return Request{
		Language:      language.MustLookup(language.Python),
		Code:          "print(input())",
		Stdin:         "hello\n",
		TimeLimit:     1500 * time.Millisecond,
		MemoryLimitMB: 64,
	}
}

func TestJobeBackendSuccessfulRun(t *testing.T) {
	var languageCalls atomic.Int32
	server := newJobeServer(t, jobeOK, &languageCalls)
	backend := newTestJobe(t, server.URL)

	require.NoError(t, backend.Available(context.Background(), language.MustLookup(language.Python)))
	require.NoError(t, backend.Available(context.Background(), language.MustLookup(language.C)))
	require.GreaterOrEqual(t, languageCalls.Load(), int32(1))

	result, err := backend.Execute(context.Background(), jobeRequest())
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	require.Equal(t, "hello\n", result.Stdout)
	require.Equal(t, "jobe", result.Backend)
}

func TestJobeBackendUnsupportedLanguage(t *testing.T) {
	server := newJobeServer(t, jobeOK, nil)
	backend := newTestJobe(t, server.URL)

	err := backend.Available(context.Background(), language.MustLookup(language.Java))
	require.True(t, errors.Is(err, ErrToolchainUnavailable))

	err = backend.Available(context.Background(), language.MustLookup(language.Go))
	require.True(t, errors.Is(err, ErrToolchainUnavailable))
}

func TestJobeBackendOutcomeMapping(t *testing.T) {
	cases := []struct {
		name    string
		outcome int
		check   func(t *testing.T, result Result)
	}{
		{"compile error", jobeCompileError, func(t *testing.T, r Result) {
			require.True(t, r.CompileFailed())
			require.Contains(t, r.CompileError, "SyntaxError")
		}},
		{"time limit", jobeTimeLimit, func(t *testing.T, r Result) {
			require.True(t, r.TimedOut)
			require.Equal(t, "timeout", r.Outcome())
		}},
		{"memory limit", jobeMemoryLimit, func(t *testing.T, r Result) {
			require.True(t, r.MemoryExceeded)
		}},
		{"runtime error", jobeRuntimeError, func(t *testing.T, r Result) {
			require.Equal(t, "runtime_error", r.Outcome())
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newJobeServer(t, tc.outcome, nil)
			result, err := newTestJobe(t, server.URL).Execute(context.Background(), jobeRequest())
			require.NoError(t, err)
			tc.check(t, result)
		})
	}
}

func TestJobeBackendServerOverloadIsInfrastructureError(t *testing.T) {
	server := newJobeServer(t, jobeServerOverload, nil)
	_, err := newTestJobe(t, server.URL).Execute(context.Background(), jobeRequest())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrJobeFailure))
}

func TestJobeBackendUnreachable(t *testing.T) {
	backend := newTestJobe(t, "http://127.0.0.1:1")
	err := backend.Available(context.Background(), language.MustLookup(language.Python))
	require.True(t, errors.Is(err, ErrToolchainUnavailable))
}
