package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/admission"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
	"github.com/anthropics/exec-engine/internal/secrets"
	"github.com/anthropics/exec-engine/internal/state"
)

type stubFetcher struct{ t *testing.T }

func (f stubFetcher) Fetch(_ context.Context, _ contracts.OrderSource) (string, func(), error) {
	dir := f.t.TempDir()
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("true\n"), 0o755))
	return dir, func() {}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *state.MemoryStore, *artifact.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	artifacts := artifact.NewMemoryStore()
	pipeline := &admission.Pipeline{
		Orders:         store,
		Events:         store,
		Artifacts:      artifacts,
		Keys:           secrets.NewMemoryKeyStore(),
		Sources:        stubFetcher{t: t},
		ConfigSource:   secrets.MapSource{},
		SecretSource:   secrets.MapSource{},
		CallbackExpiry: 2 * time.Hour,
		MaxParallelism: 4,
		Log:            audit.Nop(),
	}
	server := NewServer(":0", pipeline, audit.Nop())
	ts := httptest.NewServer(serverHandler(server))
	t.Cleanup(ts.Close)
	return ts, store, artifacts
}

// serverHandler rebuilds the mux the server serves, for httptest.
func serverHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /init", s.handlers.HandleInit)
	mux.HandleFunc("POST /ssm", s.handlers.HandleSSM)
	return mux
}

const initBody = `{
	"username": "alice",
	"orders": [
		{
			"order_name": "build",
			"execution_target": "inline",
			"cmds": ["true"],
			"timeout_s": 30,
			"source": {"bundle_location": "s3://bundles/build.zip"}
		}
	]
}`

func TestHandleInit_Success(t *testing.T) {
	ts, store, artifacts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/init", "application/json", strings.NewReader(initBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
	assert.NotEmpty(t, out.RunID)
	assert.NotEmpty(t, out.TraceID)
	assert.Contains(t, out.FlowID, "alice:")
	assert.Equal(t, artifacts.DoneURI(contracts.RunID(out.RunID)), out.DoneURI)

	orders, err := store.GetAll(context.Background(), contracts.RunID(out.RunID))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "build", orders[0].Name)
	assert.Equal(t, contracts.StatusQueued, orders[0].Status)

	// The start marker was emitted.
	_, err = artifacts.GetCallback(context.Background(), contracts.RunID(out.RunID), contracts.StartOrderNum)
	assert.NoError(t, err)
}

func TestHandleInit_ValidationFailure(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := `{"username": "alice", "orders": [{"execution_target": "inline", "cmds": [], "timeout_s": 0, "source": {"bundle_location": "s3://b/k"}}]}`
	resp, err := http.Post(ts.URL+"/init", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "error", out.Status)
	assert.NotEmpty(t, out.Errors)
}

func TestHandleInit_MalformedBody(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/init", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSSM_RejectsNonRemoteAgent(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/ssm", "application/json", strings.NewReader(initBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Error, "remote-agent")
}

func TestHandleSSM_AcceptsRemoteAgent(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := `{
		"username": "alice",
		"orders": [
			{
				"execution_target": "remote-agent",
				"cmds": ["uptime"],
				"timeout_s": 30,
				"targets": ["i-0abc"],
				"source": {"bundle_location": "s3://bundles/agent.zip"}
			}
		]
	}`
	resp, err := http.Post(ts.URL+"/ssm", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
