package apierrors

import "github.com/gin-gonic/gin"

// APIError is the body of every error response, under the "error" key.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Respond sends err as a JSON error response. The status comes from the code
// registry; uncoded errors are reported as internal errors.
func Respond(c *gin.Context, err error) {
	code := CodeOf(err)
	c.JSON(Registry.HTTPStatus(code), gin.H{"error": APIError{Code: code, Message: err.Error()}})
}

// RespondCode sends an error response for a registered code.
// An empty message falls back to the code's default message.
func RespondCode(c *gin.Context, code, message string) {
	if message == "" {
		message = Registry.Message(code)
	}
	c.JSON(Registry.HTTPStatus(code), gin.H{"error": APIError{Code: code, Message: message}})
}
