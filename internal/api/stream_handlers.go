package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/goatkit/macrohost/internal/globals"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin API is bound to a trusted address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterStreamRoutes registers the live endpoints.
// GET /api/v1/stream/plugins       - SSE registry notices, ?plugin= filter
// GET /api/v1/stream/macros        - websocket of macro lifecycle events
// GET /api/v1/stream/globals/:key  - websocket of changes to one global
func RegisterStreamRoutes(r *gin.RouterGroup, s *Server) {
	stream := r.Group("/stream")
	{
		stream.GET("/plugins", gin.WrapH(s.host.Broker()))
		stream.GET("/macros", s.HandleMacroStream)
		stream.GET("/globals/:key", s.HandleGlobalStream)
	}
}

// HandleMacroStream forwards engine lifecycle events until the client goes
// away. A slow client loses events rather than stalling the engine.
func (s *Server) HandleMacroStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.host.Engine().Subscribe()
	defer cancel()

	pump(conn, func(send func(any) error, stop <-chan struct{}) error {
		for {
			select {
			case <-stop:
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := send(ev); err != nil {
					return err
				}
			}
		}
	})
}

type globalChange struct {
	Key     string         `json:"key"`
	Value   *globals.Value `json:"value,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
}

// HandleGlobalStream pushes the current value of a global and then every
// change to it.
func (s *Server) HandleGlobalStream(c *gin.Context) {
	key := c.Param("key")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes := make(chan globalChange, 16)
	cancel := s.host.Globals().Subscribe(key, func(k string, v globals.Value) {
		select {
		case changes <- globalChange{Key: k, Value: &v}:
		default:
		}
	})
	defer cancel()

	first := globalChange{Key: key, Deleted: true}
	if v, err := s.host.Globals().Get(c.Request.Context(), key); err == nil {
		first = globalChange{Key: key, Value: &v}
	}

	pump(conn, func(send func(any) error, stop <-chan struct{}) error {
		if err := send(first); err != nil {
			return err
		}
		for {
			select {
			case <-stop:
				return nil
			case ch := <-changes:
				if err := send(ch); err != nil {
					return err
				}
			}
		}
	})
}

// pump runs produce with a JSON sender while a reader goroutine watches for
// the client closing the connection. stop is closed when pump returns. Pings
// keep idle proxies from dropping the stream.
func pump(conn *websocket.Conn, produce func(send func(any) error, stop <-chan struct{}) error) {
	stop := make(chan struct{})
	defer close(stop)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := make(chan any)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = produce(func(v any) error {
			select {
			case out <- v:
				return nil
			case <-stop:
				return websocket.ErrCloseSent
			}
		}, stop)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case v := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
