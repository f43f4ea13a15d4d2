package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/config"
	"github.com/goatkit/macrohost/internal/globals"
	"github.com/goatkit/macrohost/internal/host"
	"github.com/goatkit/macrohost/internal/macro"
	"github.com/goatkit/macrohost/internal/trigger"
)

const testMacros = `
- name: greet
  on:
    - type: user
      name: hello
  actions:
    - action: System/Set Global
      args: [greeting, hi]
- name: slow
  actions:
    - action: Flow/Delay
      args: ["2000"]
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	macros := filepath.Join(dir, "macros.yaml")
	require.NoError(t, os.WriteFile(macros, []byte(testMacros), 0o600))

	cfg := &config.Config{
		Plugins: config.PluginsConfig{Dirs: []string{filepath.Join(dir, "plugins")}, Builtins: []string{"flow", "system", "timer"}},
		Engine:  config.EngineConfig{EventCapacity: 16, PollInterval: 5 * time.Millisecond, Workers: 2},
		Globals: config.GlobalsConfig{Backend: "local"},
		Macros:  config.MacrosConfig{File: macros},
	}
	h, err := host.New(context.Background(), cfg, nil, host.WithGlobals(globals.NewLocal(nil)))
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return NewServer(h, nil)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return e["code"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["plugins"])
	assert.EqualValues(t, 2, body["macros"])

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "macrohost_plugins_loaded")
}

func TestErrorCodes(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/errors?namespace=core", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Errors []apierrors.ErrorCode `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Errors)
	for _, e := range body.Errors {
		assert.True(t, strings.HasPrefix(e.Code, "core:"), e.Code)
	}

	w = do(t, s, http.MethodGet, "/api/v1/errors?namespace=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"errors":[]}`, w.Body.String())
}

func TestPluginEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/plugins", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plugins := decode(t, w)["plugins"].([]any)
	require.Len(t, plugins, 3)

	t.Run("lifecycle", func(t *testing.T) {
		w := do(t, s, http.MethodPost, "/api/v1/plugins/timer/stop", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "stopped", decode(t, w)["plugin"].(map[string]any)["state"])

		w = do(t, s, http.MethodPost, "/api/v1/plugins/timer/stop", nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = do(t, s, http.MethodPost, "/api/v1/plugins/timer/start", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "running", decode(t, w)["plugin"].(map[string]any)["state"])
	})

	t.Run("unknown plugin", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/plugins/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, apierrors.CodeNotFound, errorCode(t, w))
	})

	t.Run("config", func(t *testing.T) {
		cfg := map[string]any{"timers": []map[string]any{{"name": "hourly", "schedule": "@every 1h"}}}
		w := do(t, s, http.MethodPut, "/api/v1/plugins/timer/config", cfg)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []trigger.Spec{{Name: "hourly", Schedule: "@every 1h"}}, s.host.Timer().Specs())

		w = do(t, s, http.MethodGet, "/api/v1/plugins/timer/config", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "hourly")

		bad := map[string]any{"timers": []map[string]any{{"name": "x", "schedule": "whenever"}}}
		w = do(t, s, http.MethodPut, "/api/v1/plugins/timer/config", bad)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("hot reload flag", func(t *testing.T) {
		w := do(t, s, http.MethodPut, "/api/v1/plugins/flow/hot-reload", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("logs", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/api/v1/plugins/logs?plugin=timer", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotZero(t, decode(t, w)["count"])

		w = do(t, s, http.MethodGet, "/api/v1/plugins/logs?plugin=timer&level=error&limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = do(t, s, http.MethodGet, "/api/v1/plugins/logs?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, s, http.MethodGet, "/api/v1/plugins/logs?level=loud", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(t, s, http.MethodDelete, "/api/v1/plugins/logs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, s.host.Logs().Count())
	})
}

func TestActionEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/actions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"System"`)

	w = do(t, s, http.MethodGet, "/api/v1/actions?event_type=timer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["actions"])

	w = do(t, s, http.MethodGet, "/api/v1/actions?event_type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/actions/execute", map[string]any{
		"action": "System/Set Global",
		"args":   []string{"color", "blue"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["result"].(map[string]any)["success"])

	w = do(t, s, http.MethodGet, "/api/v1/globals/color", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "blue", decode(t, w)["value"])

	w = do(t, s, http.MethodPost, "/api/v1/actions/execute", map[string]any{"action": "Nope/Missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/actions/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apierrors.CodeInvalidRequest, errorCode(t, w))
}

func TestEventTriggersMacro(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/events", map[string]any{"name": "hello", "payload": "x"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "user", decode(t, w)["type"])

	require.Eventually(t, func() bool {
		return do(t, s, http.MethodGet, "/api/v1/globals/greeting", nil).Code == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	w = do(t, s, http.MethodPost, "/api/v1/events", map[string]any{"name": "x", "type": "weird"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMacroEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/macros", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["macros"], 2)

	w = do(t, s, http.MethodGet, "/api/v1/macros/greet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"Set Global"}, decode(t, w)["macro"].(map[string]any)["actions"])

	w = do(t, s, http.MethodPost, "/api/v1/macros/slow/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	first := decode(t, w)["id"]
	require.Eventually(t, func() bool {
		snap, ok := s.host.Engine().Context(macro.MacroID("slow"))
		return ok && snap.State == macro.StateRunning
	}, 3*time.Second, 5*time.Millisecond)

	w = do(t, s, http.MethodPost, "/api/v1/macros/slow/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEqual(t, first, decode(t, w)["id"], "a second run gets its own context")

	w = do(t, s, http.MethodPost, "/api/v1/macros/slow/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, s, http.MethodPost, "/api/v1/macros/slow/resume", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/macros/contexts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["contexts"], 2)

	for range 2 {
		w = do(t, s, http.MethodPost, "/api/v1/macros/slow/stop", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Empty(t, s.host.Engine().Contexts())

	w = do(t, s, http.MethodPost, "/api/v1/macros/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/macros/runs", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/macros/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["loaded"])
}

func TestGlobalEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPut, "/api/v1/globals/count", map[string]any{"kind": "integer", "value": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/globals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"count"}, decode(t, w)["keys"])

	w = do(t, s, http.MethodGet, "/api/v1/globals/count", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "integer", decode(t, w)["kind"])

	w = do(t, s, http.MethodDelete, "/api/v1/globals/count", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/globals/count", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimerEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/timers", trigger.Spec{Name: "tick", Schedule: "@every 1h"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/timers", trigger.Spec{Name: "tick", Schedule: "@every 1h"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/timers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["timers"], 1)

	w = do(t, s, http.MethodPost, "/api/v1/timers/tick/fire", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/timers/tick", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/timers/tick/fire", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMacroStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/macros"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.host.Engine().Subscribers() > 0 }, 3*time.Second, 10*time.Millisecond)
	w := do(t, s, http.MethodPost, "/api/v1/macros/greet/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev macro.LifecycleEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, macro.EventCreated, ev.Kind)
	assert.Equal(t, macro.MacroID("greet"), ev.MacroID)
}
