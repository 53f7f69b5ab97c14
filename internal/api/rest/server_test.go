package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLaserCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/interfaces"
	"github.com/KevinKickass/OpenLaserCore/internal/job"
	"github.com/KevinKickass/OpenLaserCore/internal/machine"
	"github.com/KevinKickass/OpenLaserCore/internal/monitor"
	"github.com/KevinKickass/OpenLaserCore/internal/profiles"
	"github.com/KevinKickass/OpenLaserCore/internal/protocol/protocoltest"
	"github.com/KevinKickass/OpenLaserCore/internal/storage"
)

type fakeLifecycle struct {
	cfg    *config.Config
	loader *profiles.Loader
	sel    *profiles.Selection
	ctrl   *machine.Controller
	jobs   *job.Runner
}

func (f *fakeLifecycle) Config() *config.Config                 { return f.cfg }
func (f *fakeLifecycle) Storage() *storage.PostgresClient       { return nil }
func (f *fakeLifecycle) Profiles() *profiles.Loader             { return f.loader }
func (f *fakeLifecycle) Selection() *profiles.Selection         { return f.sel }
func (f *fakeLifecycle) MachineController() *machine.Controller { return f.ctrl }
func (f *fakeLifecycle) Jobs() *job.Runner                      { return f.jobs }
func (f *fakeLifecycle) Shutdown(ctx context.Context) error     { return nil }

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:     "RUNNING",
		Profile:   f.sel.Profile.Name,
		Dialect:   f.ctrl.Dialect(),
		Connected: f.ctrl.IsConnected(),
	}
}

type testEnv struct {
	srv *Server
	sim *protocoltest.Controller
	lm  *fakeLifecycle
}

func newTestEnv(t *testing.T, authCfg config.AuthConfig) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	cfg.Auth = authCfg

	loader, err := profiles.NewLoader(nil, logger)
	require.NoError(t, err)
	sel, err := loader.Select(config.ControllerConfig{Profile: "k40-grbl", Port: "/dev/ttyUSB0"})
	require.NoError(t, err)

	sim := protocoltest.New("grbl")
	opts := machine.DefaultOptions()
	opts.Recovery.RetryDelay = 10 * time.Millisecond
	opts.Monitor = monitor.Options{Interval: 20 * time.Millisecond}
	ctrl := machine.NewController(sel.Dialect, sim.Opener(), opts, logger)
	hub := websocket.NewHub(logger, nil)
	jobs := job.NewRunner(ctrl, hub, logger)
	ctrl.SetJobHooks(jobs)
	t.Cleanup(func() {
		jobs.Close()
		ctrl.Close()
	})

	lm := &fakeLifecycle{cfg: cfg, loader: loader, sel: sel, ctrl: ctrl, jobs: jobs}
	srv := NewServer(cfg, lm, logger, hub, auth.NewService(cfg.Auth, logger))
	return &testEnv{srv: srv, sim: sim, lm: lm}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["connected"])
}

func TestServer_CommandWithoutConnection(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/commands/line", map[string]any{"gcode": "G0 X1", "line": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "MACHINE_NOT_CONNECTED", body["error"].(map[string]any)["code"])
	assert.Equal(t, "transport", body["error"].(map[string]any)["kind"])
}

func TestServer_ConnectAndCommand(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/connection/connect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "CONNECTED", decode(t, w)["connection"].(map[string]any)["phase"])

	w = env.do(t, http.MethodPost, "/api/v1/commands/line", map[string]any{"gcode": "G21"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", decode(t, w)["result"])

	env.sim.Script("G0 X1", "error:20")
	w = env.do(t, http.MethodPost, "/api/v1/commands/line", map[string]any{"gcode": "G0 X1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/commands/override", map[string]any{"kind": "feed", "delta": 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 110.0, decode(t, w)["percent"])

	w = env.do(t, http.MethodGet, "/api/v1/console?severity=info&limit=50", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, m := range decode(t, w)["messages"].([]any) {
		text := m.(map[string]any)["text"]
		assert.NotEqual(t, "?", text)
		assert.NotEqual(t, "ok", text)
	}

	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "grbl", decode(t, w)["dialect"])

	w = env.do(t, http.MethodPost, "/api/v1/connection/disconnect", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_JogLimits(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodPost, "/api/v1/commands/jog", map[string]any{"axis": "Y", "distance": 500, "feed": 1000})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MACHINE_INVALID_PARAMETER", decode(t, w)["error"].(map[string]any)["code"])

	w = env.do(t, http.MethodPost, "/api/v1/commands/jog", map[string]any{"axis": "A", "distance": 5, "feed": 1000})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ConsoleFilterValidation(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodGet, "/api/v1/console?severity=fatal", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/status/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ProfilesAndJournal(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "k40-grbl", decode(t, w)["active"])

	w = env.do(t, http.MethodGet, "/api/v1/profiles/marlin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "marlin", decode(t, w)["dialect"])

	w = env.do(t, http.MethodGet, "/api/v1/profiles/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/journal/console", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_RecoveryEndpoints(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodGet, "/api/v1/recovery", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "NORMAL", decode(t, w)["mode"])

	w = env.do(t, http.MethodPost, "/api/v1/recovery/acknowledge", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/status/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "feed")
}

func TestServer_AuthRequired(t *testing.T) {
	hasher := auth.NewTokenHasher()
	token, err := auth.GenerateOperatorToken()
	require.NoError(t, err)
	hash, err := hasher.Hash(token)
	require.NoError(t, err)

	t.Setenv("OLC_REST_TEST_JWT", "0123456789abcdef0123456789abcdef")
	env := newTestEnv(t, config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OLC_REST_TEST_JWT",
		AccessTokenTTL: time.Minute,
		Operators:      []config.OperatorConfig{{Name: "ben", Role: "operator", TokenHash: hash}},
	})

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{"token": "olc_wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]any{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	access := decode(t, w)["access_token"].(string)
	bearer := []string{"Authorization", "Bearer " + access}

	w = env.do(t, http.MethodGet, "/api/v1/status", nil, bearer...)
	assert.Equal(t, http.StatusOK, w.Code)

	// operators may not reset or connect
	w = env.do(t, http.MethodPost, "/api/v1/commands/reset", nil, bearer...)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/connection/connect", nil, bearer...)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatusFor(t *testing.T) {
	code, _ := statusFor(context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	code, _ = statusFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestServer_Jobs(t *testing.T) {
	env := newTestEnv(t, config.AuthConfig{})

	w := env.do(t, http.MethodGet, "/api/v1/jobs/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"name": "square.nc", "gcode": "G21\nG0 X1\n"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "MACHINE_NOT_CONNECTED", decode(t, w)["error"].(map[string]any)["code"])

	w = env.do(t, http.MethodPost, "/api/v1/connection/connect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"gcode": "; only a comment\n"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"name": "square.nc", "gcode": "G21\nG90\nG1 X10 F600 ; cut\nM5\n"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "square.nc", decode(t, w)["name"])

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/v1/jobs/current", nil)
		return w.Code == http.StatusOK && decode(t, w)["state"] == "completed"
	}, 3*time.Second, 20*time.Millisecond)

	assert.Contains(t, env.sim.Received(), "G1 X10 F600")

	w = env.do(t, http.MethodPost, "/api/v1/jobs/current/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
