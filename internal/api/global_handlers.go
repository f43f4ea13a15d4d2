package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/globals"
	"github.com/goatkit/macrohost/internal/trigger"
)

// RegisterGlobalRoutes registers the global variable endpoints.
// GET    /api/v1/globals      - keys
// GET    /api/v1/globals/:key - {"kind": ..., "value": ...}
// PUT    /api/v1/globals/:key - same body
// DELETE /api/v1/globals/:key
func RegisterGlobalRoutes(r *gin.RouterGroup, s *Server) {
	g := r.Group("/globals")
	{
		g.GET("", s.HandleGlobalKeys)
		g.GET("/:key", s.HandleGlobalGet)
		g.PUT("/:key", s.HandleGlobalSet)
		g.DELETE("/:key", s.HandleGlobalDelete)
	}
}

func (s *Server) HandleGlobalKeys(c *gin.Context) {
	keys, err := s.host.Globals().Keys(c.Request.Context())
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) HandleGlobalGet(c *gin.Context) {
	v, err := s.host.Globals().Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) HandleGlobalSet(c *gin.Context) {
	var v globals.Value
	if !bindJSON(c, &v) {
		return
	}
	if err := s.host.Globals().Set(c.Request.Context(), c.Param("key"), v); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) HandleGlobalDelete(c *gin.Context) {
	if err := s.host.Globals().Delete(c.Request.Context(), c.Param("key")); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterTimerRoutes registers the builtin timer endpoints.
// GET    /api/v1/timers             - schedules and the dropped event count
// POST   /api/v1/timers             - add a schedule
// DELETE /api/v1/timers/:name
// POST   /api/v1/timers/:name/fire  - emit the timer's event now
func RegisterTimerRoutes(r *gin.RouterGroup, s *Server) {
	t := r.Group("/timers")
	{
		t.GET("", s.HandleTimerList)
		t.POST("", s.HandleTimerAdd)
		t.DELETE("/:name", s.HandleTimerRemove)
		t.POST("/:name/fire", s.HandleTimerFire)
	}
}

func (s *Server) HandleTimerList(c *gin.Context) {
	tm := s.host.Timer()
	c.JSON(http.StatusOK, gin.H{"timers": tm.Specs(), "dropped": tm.Dropped()})
}

func (s *Server) HandleTimerAdd(c *gin.Context) {
	var spec trigger.Spec
	if !bindJSON(c, &spec) {
		return
	}
	if err := s.host.Timer().Add(spec); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, spec)
}

func (s *Server) HandleTimerRemove(c *gin.Context) {
	if err := s.host.Timer().Remove(c.Param("name")); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) HandleTimerFire(c *gin.Context) {
	if err := s.host.Timer().Fire(c.Param("name")); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "fired"})
}
