package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	actionmgr "github.com/goatkit/macrohost/internal/action"
	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/host"
	"github.com/goatkit/macrohost/internal/metrics"
	"github.com/goatkit/macrohost/pkg/action"
	pkgplugin "github.com/goatkit/macrohost/pkg/plugin"
)

// RegisterActionRoutes registers the action catalog endpoints.
// GET  /api/v1/actions              - the group tree
// GET  /api/v1/actions?event_type=x - flat list of actions accepting x
// POST /api/v1/actions/execute      - run one action
// POST /api/v1/events               - submit an event to the host
func RegisterActionRoutes(r *gin.RouterGroup, s *Server) {
	r.GET("/actions", s.HandleActionList)
	r.POST("/actions/execute", s.HandleActionExecute)
	r.POST("/events", s.HandleEventSubmit)
}

// HandleActionList returns the action tree, or the actions accepting the
// event_type query parameter.
func (s *Server) HandleActionList(c *gin.Context) {
	if t := c.Query("event_type"); t != "" {
		et, err := pkgplugin.ParseEventType(t)
		if err != nil {
			apierrors.RespondCode(c, apierrors.CodeInvalidArgument, err.Error())
			return
		}
		found := s.host.Actions().ActionsForEventType(et)
		views := make([]actionmgr.ActionView, 0, len(found))
		for _, a := range found {
			views = append(views, actionmgr.View(a))
		}
		c.JSON(http.StatusOK, gin.H{"actions": views})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": s.host.Actions().Tree(), "count": s.host.Actions().Count()})
}

// eventRequest is the wire form of an event. Type defaults to user and
// Source to the host.
type eventRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name" binding:"required"`
	Source  string `json:"source"`
	Payload any    `json:"payload"`
}

func (r eventRequest) event() (pkgplugin.Event, error) {
	t := pkgplugin.EventUser
	if r.Type != "" {
		var err error
		if t, err = pkgplugin.ParseEventType(r.Type); err != nil {
			return pkgplugin.Event{}, apierrors.Wrap(apierrors.CodeInvalidArgument, "api.event", err)
		}
	}
	source := r.Source
	if source == "" {
		source = host.Source
	}
	return pkgplugin.NewEvent(t, r.Name, source, payloadOf(r.Payload)), nil
}

func payloadOf(v any) pkgplugin.Payload {
	switch p := v.(type) {
	case nil:
		return pkgplugin.Payload{}
	case string:
		return pkgplugin.TextPayload(p)
	case bool:
		return pkgplugin.BoolPayload(p)
	case float64:
		if p == float64(int64(p)) {
			return pkgplugin.NumberPayload(int64(p))
		}
		return pkgplugin.FloatPayload(p)
	default:
		return pkgplugin.CustomPayload(p)
	}
}

type executeRequest struct {
	// Action is a catalog name ("Group/Name") or an action id.
	Action string        `json:"action" binding:"required"`
	Args   []string      `json:"args"`
	Event  *eventRequest `json:"event"`
}

// HandleActionExecute runs one action. With args a configured instance is
// run; without, the catalog action itself.
func (s *Server) HandleActionExecute(c *gin.Context) {
	var req executeRequest
	if !bindJSON(c, &req) {
		return
	}
	ev := pkgplugin.NewEvent(pkgplugin.EventUser, "execute", host.Source, pkgplugin.Payload{})
	if req.Event != nil {
		var err error
		if ev, err = req.Event.event(); err != nil {
			apierrors.Respond(c, err)
			return
		}
	}

	ctx := action.WithScope(c.Request.Context(), action.NewMapScope())
	mgr := s.host.Actions()

	var (
		res action.Result
		err error
	)
	if id, perr := uuid.Parse(req.Action); perr == nil && req.Args == nil {
		res, err = mgr.ExecuteAction(ctx, id, ev)
	} else {
		res, err = s.executeInstance(ctx, req, ev)
	}
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (s *Server) executeInstance(ctx context.Context, req executeRequest, ev pkgplugin.Event) (action.Result, error) {
	const op = "api.ExecuteAction"
	a, err := s.host.Actions().Instantiate(req.Action)
	if err != nil {
		return action.Result{}, err
	}
	if !action.Supports(a, ev.Type) {
		return action.Result{}, apierrors.New(apierrors.CodeInvalidOperation, op, "action %q does not support %s events", req.Action, ev.Type)
	}
	if err := a.Configure(ctx, action.DefaultConfig(req.Args...)); err != nil {
		return action.Result{}, apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration)
	}
	if err := a.Validate(); err != nil {
		return action.Result{}, apierrors.Rekind(err, op, apierrors.CodeInvalidConfiguration)
	}
	return actionmgr.Run(ctx, a, ev, metrics.Actions())
}

// HandleEventSubmit queues an event for dispatch and macro triggering.
func (s *Server) HandleEventSubmit(c *gin.Context) {
	var req eventRequest
	if !bindJSON(c, &req) {
		return
	}
	ev, err := req.event()
	if err != nil {
		apierrors.Respond(c, err)
		return
	}
	if err := s.host.Submit(c.Request.Context(), ev); err != nil {
		apierrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID, "name": ev.Name, "type": ev.Type.String()})
}
