// Package apierrors provides the host's error taxonomy and its HTTP mapping.
// All codes are namespaced (e.g., "core:not_found", "echo:bad_prefix").
package apierrors

import "net/http"

// Codes in the core namespace. Plugins add their own via RegisterNamespace.
const (
	// Lookup
	CodeNotFound      = "core:not_found"
	CodeAlreadyExists = "core:already_exists"

	// State machine and input
	CodeInvalidState         = "core:invalid_state"
	CodeInvalidArgument      = "core:invalid_argument"
	CodeInvalidConfiguration = "core:invalid_configuration"
	CodeInvalidOperation     = "core:invalid_operation"
	CodeInvalidRequest       = "core:invalid_request"

	// Runtime
	CodeTimeout      = "core:timeout"
	CodeDependency   = "core:dependency_error"
	CodeLoader       = "core:loader_error"
	CodeNotSupported = "core:not_supported"

	// Host
	CodeInternalError = "core:internal_error"
)

var coreErrors = []ErrorCode{
	{Code: CodeNotFound, Message: "Resource not found", HTTPStatus: http.StatusNotFound},
	{Code: CodeAlreadyExists, Message: "Resource already exists", HTTPStatus: http.StatusConflict},

	{Code: CodeInvalidState, Message: "Operation not permitted in the current state", HTTPStatus: http.StatusConflict},
	{Code: CodeInvalidArgument, Message: "Invalid argument", HTTPStatus: http.StatusBadRequest},
	{Code: CodeInvalidConfiguration, Message: "Invalid configuration", HTTPStatus: http.StatusUnprocessableEntity},
	{Code: CodeInvalidOperation, Message: "Invalid operation", HTTPStatus: http.StatusUnprocessableEntity},
	{Code: CodeInvalidRequest, Message: "Invalid request body", HTTPStatus: http.StatusBadRequest},

	{Code: CodeTimeout, Message: "Operation timed out", HTTPStatus: http.StatusGatewayTimeout},
	{Code: CodeDependency, Message: "Plugin dependency could not be resolved", HTTPStatus: http.StatusFailedDependency},
	{Code: CodeLoader, Message: "Plugin module could not be loaded", HTTPStatus: http.StatusInternalServerError},
	{Code: CodeNotSupported, Message: "Capability not supported", HTTPStatus: http.StatusNotImplemented},

	{Code: CodeInternalError, Message: "Internal server error", HTTPStatus: http.StatusInternalServerError},
}

func init() {
	for _, e := range coreErrors {
		Registry.Register(e)
	}
}
