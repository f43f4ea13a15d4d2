package apierrors

import (
	"net/http"
	"slices"
	"strings"
	"sync"
)

// CoreNamespace holds the host's own codes. Plugins cannot register into it.
const CoreNamespace = "core"

// ErrorCode is a registered code with its default message and HTTP status.
type ErrorCode struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
}

type registry struct {
	mu    sync.RWMutex
	codes map[string]ErrorCode
}

// Registry maps codes to messages and HTTP statuses. Core codes are
// registered at init; plugin codes live in a namespace named after the
// plugin for as long as it is loaded.
var Registry = &registry{codes: make(map[string]ErrorCode)}

// Register adds or replaces a single code.
func (r *registry) Register(e ErrorCode) {
	if e.HTTPStatus == 0 {
		e.HTTPStatus = http.StatusInternalServerError
	}
	r.mu.Lock()
	r.codes[e.Code] = e
	r.mu.Unlock()
}

// RegisterNamespace replaces every code of namespace ns with codes. A code
// without a namespace prefix gets ns; one with a different prefix is
// skipped. It returns how many codes were registered.
func (r *registry) RegisterNamespace(ns string, codes []ErrorCode) int {
	if ns == "" || ns == CoreNamespace {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(ns)

	n := 0
	for _, e := range codes {
		if !strings.Contains(e.Code, ":") {
			e.Code = ns + ":" + e.Code
		}
		if Namespace(e.Code) != ns {
			continue
		}
		if e.HTTPStatus == 0 {
			e.HTTPStatus = http.StatusInternalServerError
		}
		r.codes[e.Code] = e
		n++
	}
	return n
}

// DropNamespace removes every code of a plugin namespace.
func (r *registry) DropNamespace(ns string) int {
	if ns == CoreNamespace {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropLocked(ns)
}

func (r *registry) dropLocked(ns string) int {
	n := 0
	for code := range r.codes {
		if Namespace(code) == ns {
			delete(r.codes, code)
			n++
		}
	}
	return n
}

// Get looks up a code.
func (r *registry) Get(code string) (ErrorCode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.codes[code]
	return e, ok
}

// All returns every code sorted by code.
func (r *registry) All() []ErrorCode {
	return r.filter(func(string) bool { return true })
}

// ByNamespace returns the codes of one namespace sorted by code.
func (r *registry) ByNamespace(ns string) []ErrorCode {
	return r.filter(func(code string) bool { return Namespace(code) == ns })
}

func (r *registry) filter(keep func(code string) bool) []ErrorCode {
	r.mu.RLock()
	out := make([]ErrorCode, 0, len(r.codes))
	for code, e := range r.codes {
		if keep(code) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ErrorCode) int { return strings.Compare(a.Code, b.Code) })
	return out
}

// HTTPStatus returns the status for code, 500 when unknown.
func (r *registry) HTTPStatus(code string) int {
	if e, ok := r.Get(code); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Message returns the default message for code, or code itself.
func (r *registry) Message(code string) string {
	if e, ok := r.Get(code); ok {
		return e.Message
	}
	return code
}

// Namespace returns the part of code before the first colon, "core" if none.
func Namespace(code string) string {
	if ns, _, ok := strings.Cut(code, ":"); ok && ns != "" {
		return ns
	}
	return CoreNamespace
}
