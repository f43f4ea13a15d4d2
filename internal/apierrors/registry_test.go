package apierrors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreCodes(t *testing.T) {
	tests := map[string]int{
		CodeNotFound:             http.StatusNotFound,
		CodeAlreadyExists:        http.StatusConflict,
		CodeInvalidState:         http.StatusConflict,
		CodeInvalidArgument:      http.StatusBadRequest,
		CodeInvalidConfiguration: http.StatusUnprocessableEntity,
		CodeDependency:           http.StatusFailedDependency,
		CodeLoader:               http.StatusInternalServerError,
		CodeNotSupported:         http.StatusNotImplemented,
		CodeTimeout:              http.StatusGatewayTimeout,
	}
	for code, status := range tests {
		t.Run(code, func(t *testing.T) {
			_, ok := Registry.Get(code)
			require.True(t, ok)
			assert.Equal(t, status, Registry.HTTPStatus(code))
			assert.Equal(t, CoreNamespace, Namespace(code))
		})
	}

	core := Registry.ByNamespace(CoreNamespace)
	require.Len(t, core, len(coreErrors))
	for i := 1; i < len(core); i++ {
		assert.Less(t, core[i-1].Code, core[i].Code)
	}
}

func TestUnknownCode(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, Registry.HTTPStatus("nobody:nothing"))
	assert.Equal(t, "nobody:nothing", Registry.Message("nobody:nothing"))
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "echo", Namespace("echo:bad_prefix"))
	assert.Equal(t, CoreNamespace, Namespace("plain"))
	assert.Equal(t, CoreNamespace, Namespace(":leading"))
}

func TestRegisterNamespace(t *testing.T) {
	t.Cleanup(func() { Registry.DropNamespace("weather") })

	n := Registry.RegisterNamespace("weather", []ErrorCode{
		{Code: "no_station", Message: "Station unknown", HTTPStatus: http.StatusNotFound},
		{Code: "weather:stale", Message: "Reading is stale"},
		{Code: "other:sneaky", Message: "Wrong namespace"},
	})
	assert.Equal(t, 2, n)

	e, ok := Registry.Get("weather:no_station")
	require.True(t, ok)
	assert.Equal(t, "Station unknown", e.Message)
	assert.Equal(t, http.StatusInternalServerError, Registry.HTTPStatus("weather:stale"))
	_, ok = Registry.Get("other:sneaky")
	assert.False(t, ok)

	t.Run("replaces previous codes", func(t *testing.T) {
		Registry.RegisterNamespace("weather", []ErrorCode{{Code: "offline", Message: "Offline", HTTPStatus: 503}})
		codes := Registry.ByNamespace("weather")
		require.Len(t, codes, 1)
		assert.Equal(t, "weather:offline", codes[0].Code)
	})

	t.Run("drop", func(t *testing.T) {
		assert.Equal(t, 1, Registry.DropNamespace("weather"))
		assert.Empty(t, Registry.ByNamespace("weather"))
	})

	t.Run("core is protected", func(t *testing.T) {
		assert.Zero(t, Registry.RegisterNamespace(CoreNamespace, []ErrorCode{{Code: "not_found", Message: "x"}}))
		assert.Zero(t, Registry.DropNamespace(CoreNamespace))
		assert.Equal(t, "Resource not found", Registry.Message(CodeNotFound))
	})
}
