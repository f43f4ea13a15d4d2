package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/macro"
)

// RegisterMacroRoutes registers the macro endpoints.
// GET  /api/v1/macros                   - the library
// POST /api/v1/macros/reload            - rebuild the library from the macros file
// GET  /api/v1/macros/contexts          - execution contexts
// GET  /api/v1/macros/runs              - run history, ?macro= and ?limit=
// GET  /api/v1/macros/:ref              - one macro and its context
// POST /api/v1/macros/:ref/run          - start in the background
// POST /api/v1/macros/:ref/stop|pause|resume
func RegisterMacroRoutes(r *gin.RouterGroup, s *Server) {
	macros := r.Group("/macros")
	{
		macros.GET("", s.HandleMacroList)
		macros.POST("/reload", s.HandleMacroReload)
		macros.GET("/contexts", s.HandleMacroContexts)
		macros.GET("/runs", s.HandleMacroRuns)
		macros.GET("/:ref", s.HandleMacroGet)
		macros.POST("/:ref/run", s.HandleMacroRun)
		macros.POST("/:ref/stop", s.HandleMacroStop)
		macros.POST("/:ref/pause", s.HandleMacroPause)
		macros.POST("/:ref/resume", s.HandleMacroResume)
	}
}

type macroView struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Bindings    []macro.Binding `json:"on"`
	Actions     []string        `json:"actions"`
}

func viewMacro(m *macro.Macro) macroView {
	v := macroView{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Enabled:     m.Enabled,
		Bindings:    m.Bindings,
		Actions:     make([]string, 0, len(m.Actions)),
	}
	if v.Bindings == nil {
		v.Bindings = []macro.Binding{}
	}
	for _, a := range m.Actions {
		v.Actions = append(v.Actions, a.Name())
	}
	return v
}

func (s *Server) macroRef(c *gin.Context) (*macro.Macro, bool) {
	m, ok := s.host.Library().Resolve(c.Param("ref"))
	if !ok {
		apierrors.RespondCode(c, apierrors.CodeNotFound, "macro "+strconv.Quote(c.Param("ref"))+" not found")
	}
	return m, ok
}

// HandleMacroList returns every macro in the library.
func (s *Server) HandleMacroList(c *gin.Context) {
	list := s.host.Library().List()
	views := make([]macroView, 0, len(list))
	for _, m := range list {
		views = append(views, viewMacro(m))
	}
	c.JSON(http.StatusOK, gin.H{"macros": views})
}

// HandleMacroGet returns one macro with its execution context, if any.
func (s *Server) HandleMacroGet(c *gin.Context) {
	m, ok := s.macroRef(c)
	if !ok {
		return
	}
	body := gin.H{"macro": viewMacro(m)}
	if snap, ok := s.host.Engine().Context(m.ID); ok {
		body["context"] = snap
	}
	c.JSON(http.StatusOK, body)
}

// HandleMacroReload rebuilds the library from the configured macros file.
func (s *Server) HandleMacroReload(c *gin.Context) {
	file := s.host.Config().Macros.File
	if file == "" {
		apierrors.RespondCode(c, apierrors.CodeInvalidConfiguration, "macros.file is not set")
		return
	}
	n, err := s.host.LoadMacros(c.Request.Context(), file)
	body := gin.H{"loaded": n}
	if err != nil {
		if n == 0 {
			apierrors.Respond(c, err)
			return
		}
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// HandleMacroContexts lists the engine's contexts.
func (s *Server) HandleMacroContexts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contexts": s.host.Engine().Contexts()})
}

// HandleMacroRuns returns recorded runs, newest first.
func (s *Server) HandleMacroRuns(c *gin.Context) {
	st := s.host.Store()
	if st == nil {
		apierrors.RespondCode(c, apierrors.CodeNotSupported, "run history is disabled")
		return
	}
	macroID := uuid.Nil
	if ref := c.Query("macro"); ref != "" {
		m, ok := s.host.Library().Resolve(ref)
		if !ok {
			apierrors.RespondCode(c, apierrors.CodeNotFound, "macro "+strconv.Quote(ref)+" not found")
			return
		}
		macroID = m.ID
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			apierrors.RespondCode(c, apierrors.CodeInvalidArgument, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := st.RecentRuns(c.Request.Context(), macroID, limit)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// HandleMacroRun starts a macro in the background.
func (s *Server) HandleMacroRun(c *gin.Context) {
	id, err := s.host.StartMacro(c.Param("ref"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "started"})
}

func (s *Server) control(c *gin.Context, status string, fn func(*macro.Engine, uuid.UUID) error) {
	m, ok := s.macroRef(c)
	if !ok {
		return
	}
	if err := fn(s.host.Engine(), m.ID); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": m.ID, "status": status})
}

// HandleMacroStop removes the macro's context.
func (s *Server) HandleMacroStop(c *gin.Context) {
	s.control(c, "stopped", (*macro.Engine).StopMacro)
}

// HandleMacroPause pauses a running macro.
func (s *Server) HandleMacroPause(c *gin.Context) {
	s.control(c, "paused", (*macro.Engine).PauseMacro)
}

// HandleMacroResume resumes a paused macro.
func (s *Server) HandleMacroResume(c *gin.Context) {
	s.control(c, "resumed", (*macro.Engine).ResumeMacro)
}
