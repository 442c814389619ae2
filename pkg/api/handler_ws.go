package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /orchestration: upgrades to WebSocket and
// hands the connection to the event gateway. The upgrade request went
// through the same auth middleware as every other route.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.gateway == nil {
		return writeError(c, http.StatusServiceUnavailable, kindDependencyUnavailable,
			"event gateway is not available", nil)
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// Blocks until the client disconnects.
	s.gateway.HandleConnection(c.Request().Context(), conn)
	return nil
}
