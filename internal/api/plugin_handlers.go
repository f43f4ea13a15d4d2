package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/plugin"
)

// RegisterPluginRoutes registers the plugin management endpoints.
// GET    /api/v1/plugins                  - list loaded plugins
// POST   /api/v1/plugins/rescan           - unload and reload everything
// POST   /api/v1/plugins/load             - load one module by path
// GET    /api/v1/plugins/logs             - recent plugin log entries
// DELETE /api/v1/plugins/logs             - clear the log buffer
// GET    /api/v1/plugins/:ref             - one plugin, by name or id
// DELETE /api/v1/plugins/:ref             - unload
// POST   /api/v1/plugins/:ref/start|stop|reload
// PUT    /api/v1/plugins/:ref/hot-reload  - {"enabled": bool}
// GET    /api/v1/plugins/:ref/config
// PUT    /api/v1/plugins/:ref/config
func RegisterPluginRoutes(r *gin.RouterGroup, s *Server) {
	plugins := r.Group("/plugins")
	{
		plugins.GET("", s.HandlePluginList)
		plugins.POST("/rescan", s.HandlePluginRescan)
		plugins.POST("/load", s.HandlePluginLoad)
		plugins.GET("/logs", s.HandlePluginLogs)
		plugins.DELETE("/logs", s.HandleClearPluginLogs)
		plugins.GET("/:ref", s.HandlePluginGet)
		plugins.DELETE("/:ref", s.HandlePluginUnload)
		plugins.POST("/:ref/start", s.HandlePluginStart)
		plugins.POST("/:ref/stop", s.HandlePluginStop)
		plugins.POST("/:ref/reload", s.HandlePluginReload)
		plugins.PUT("/:ref/hot-reload", s.HandlePluginHotReload)
		plugins.GET("/:ref/config", s.HandlePluginConfig)
		plugins.PUT("/:ref/config", s.HandlePluginUpdateConfig)
	}
}

// pluginRef resolves the :ref parameter, a plugin name or id.
func (s *Server) pluginRef(c *gin.Context) (plugin.Info, bool) {
	ref := c.Param("ref")
	reg := s.host.Registry()
	if id, err := uuid.Parse(ref); err == nil {
		if info, ok := reg.Plugin(id); ok {
			return info, true
		}
	}
	if info, ok := reg.PluginByName(ref); ok {
		return info, true
	}
	apierrors.RespondCode(c, apierrors.CodeNotFound, "plugin "+strconv.Quote(ref)+" not loaded")
	return plugin.Info{}, false
}

func (s *Server) status(id uuid.UUID) (plugin.Status, bool) {
	for _, st := range s.host.Registry().Plugins() {
		if st.Info.ID == id {
			return st, true
		}
	}
	return plugin.Status{}, false
}

// HandlePluginList returns every loaded plugin with its state.
func (s *Server) HandlePluginList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.host.Registry().Plugins()})
}

// HandlePluginGet returns one plugin with its configuration snapshot.
func (s *Server) HandlePluginGet(c *gin.Context) {
	info, ok := s.pluginRef(c)
	if !ok {
		return
	}
	st, ok := s.status(info.ID)
	if !ok {
		apierrors.RespondCode(c, apierrors.CodeNotFound, "")
		return
	}
	cfg, err := s.host.Registry().PluginConfig(info.ID)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugin": st, "config": cfg})
}

// HandlePluginRescan reloads every plugin from disk.
func (s *Server) HandlePluginRescan(c *gin.Context) {
	err := s.host.Rescan(c.Request.Context())
	body := gin.H{"plugins": s.host.Registry().Plugins()}
	if err != nil {
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

type loadRequest struct {
	Path string `json:"path" binding:"required"`
}

// HandlePluginLoad loads a single module.
func (s *Server) HandlePluginLoad(c *gin.Context) {
	var req loadRequest
	if !bindJSON(c, &req) {
		return
	}
	info, err := s.host.Registry().LoadPlugin(c.Request.Context(), req.Path)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	if err := s.host.Registry().StartPlugin(c.Request.Context(), info.ID); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plugin": info})
}

// HandlePluginUnload stops and drops a plugin.
func (s *Server) HandlePluginUnload(c *gin.Context) {
	info, ok := s.pluginRef(c)
	if !ok {
		return
	}
	if err := s.host.Registry().UnloadPlugin(c.Request.Context(), info.ID); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unloaded"})
}

func (s *Server) lifecycle(c *gin.Context, status string, fn func(*plugin.Registry, *gin.Context, uuid.UUID) error) {
	info, ok := s.pluginRef(c)
	if !ok {
		return
	}
	if err := fn(s.host.Registry(), c, info.ID); err != nil {
		s.host.Logs().Log(info.Name, "error", "admin "+status+" failed: "+err.Error(), nil)
		apierrors.Respond(c, err)
		return
	}
	st, _ := s.status(info.ID)
	c.JSON(http.StatusOK, gin.H{"status": status, "plugin": st})
}

// HandlePluginStart starts an initialized or stopped plugin.
func (s *Server) HandlePluginStart(c *gin.Context) {
	s.lifecycle(c, "started", func(r *plugin.Registry, c *gin.Context, id uuid.UUID) error {
		return r.StartPlugin(c.Request.Context(), id)
	})
}

// HandlePluginStop stops a running plugin.
func (s *Server) HandlePluginStop(c *gin.Context) {
	s.lifecycle(c, "stopped", func(r *plugin.Registry, c *gin.Context, id uuid.UUID) error {
		return r.StopPlugin(c.Request.Context(), id)
	})
}

// HandlePluginReload replaces a plugin with a fresh instance from disk.
func (s *Server) HandlePluginReload(c *gin.Context) {
	s.lifecycle(c, "reloaded", func(r *plugin.Registry, c *gin.Context, id uuid.UUID) error {
		return r.ReloadPlugin(c.Request.Context(), id)
	})
}

type hotReloadRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// HandlePluginHotReload turns watcher reloads on or off for one plugin.
func (s *Server) HandlePluginHotReload(c *gin.Context) {
	var req hotReloadRequest
	if !bindJSON(c, &req) {
		return
	}
	s.lifecycle(c, "hot_reload", func(r *plugin.Registry, _ *gin.Context, id uuid.UUID) error {
		if *req.Enabled {
			return r.EnableHotReload(id)
		}
		return r.DisableHotReload(id)
	})
}

// HandlePluginConfig returns the configuration snapshot.
func (s *Server) HandlePluginConfig(c *gin.Context) {
	info, ok := s.pluginRef(c)
	if !ok {
		return
	}
	cfg, err := s.host.Registry().PluginConfig(info.ID)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	if cfg == nil {
		cfg = plugin.Config{}
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// HandlePluginUpdateConfig validates and applies a new configuration.
func (s *Server) HandlePluginUpdateConfig(c *gin.Context) {
	var cfg plugin.Config
	if !bindJSON(c, &cfg) {
		return
	}
	info, ok := s.pluginRef(c)
	if !ok {
		return
	}
	if err := s.host.Registry().UpdatePluginConfig(c.Request.Context(), info.ID, cfg); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// HandlePluginLogs returns buffered log entries, newest first.
// Query params combine: plugin, level (minimum), limit.
func (s *Server) HandlePluginLogs(c *gin.Context) {
	q := plugin.LogQuery{Plugin: c.Query("plugin"), MinLevel: c.Query("level")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apierrors.RespondCode(c, apierrors.CodeInvalidArgument, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	entries, err := s.host.Logs().Query(q)
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

// HandleClearPluginLogs empties the log buffer.
func (s *Server) HandleClearPluginLogs(c *gin.Context) {
	s.host.Logs().Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
