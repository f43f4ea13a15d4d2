package action

// Result is the outcome of an action execution. Data is execution-local:
// it is never serialized and Clone drops it.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"-"`
}

// Succeeded returns a successful result.
func Succeeded(message string) Result {
	return Result{Success: true, Message: message}
}

// Failed returns a failed result. A failed result is not an error.
func Failed(message string) Result {
	return Result{Success: false, Message: message}
}

// WithData returns a copy of r carrying data.
func (r Result) WithData(data any) Result {
	r.Data = data
	return r
}

// Clone keeps success and message and drops Data.
func (r Result) Clone() Result {
	return Result{Success: r.Success, Message: r.Message}
}

// JumpRequest is the Data of a result that asks the macro runner to move
// to another macro. Target is a macro id or name.
type JumpRequest struct {
	Target string
	Return bool
}

// IterationCount is the Data of loop results.
type IterationCount int

