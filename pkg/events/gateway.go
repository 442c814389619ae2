package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultWriteTimeout bounds each WebSocket send so one dead peer
// cannot wedge its writer goroutine.
const DefaultWriteTimeout = 10 * time.Second

// Gateway bridges the bus to WebSocket dashboards. Each connection gets
// its own bus subscription; routing happens on the connection's writer
// goroutine so a slow client only ever penalizes itself (until the bus
// drops it).
type Gateway struct {
	bus          *Bus
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[*gatewayConn]struct{}
}

// NewGateway creates a gateway over the bus. writeTimeout <= 0 selects
// DefaultWriteTimeout.
func NewGateway(bus *Bus, writeTimeout time.Duration) *Gateway {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Gateway{
		bus:          bus,
		writeTimeout: writeTimeout,
		conns:        make(map[*gatewayConn]struct{}),
	}
}

// gatewayConn is one dashboard connection and its room memberships.
// rooms are written by the read loop and read by the writer goroutine,
// so they are mutex-guarded.
type gatewayConn struct {
	conn *websocket.Conn

	mu         sync.RWMutex
	workspaces map[string]bool
	projects   map[int]bool

	writeMu sync.Mutex // serializes interleaved read-loop and writer-goroutine sends
}

// ActiveConnections returns the number of connected dashboards.
func (g *Gateway) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// HandleConnection owns one WebSocket connection: it subscribes to the
// bus, starts the fan-out writer, and runs the client read loop until
// the connection closes. Blocks; call from the HTTP handler after the
// upgrade.
func (g *Gateway) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &gatewayConn{
		conn:       conn,
		workspaces: make(map[string]bool),
		projects:   make(map[int]bool),
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, c)
		g.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	sub := g.bus.Subscribe()
	defer sub.Close()

	// Writer: drain the bus subscription and push matching events. If
	// the bus dropped us (channel closed) or a write fails, tear the
	// connection down.
	go func() {
		defer cancel()
		for evt := range sub.Events() {
			msg, ok := c.route(evt)
			if !ok {
				continue
			}
			if err := g.send(ctx, c, msg); err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = g.send(ctx, c, ServerMessage{Type: "error", Message: "invalid message"})
			continue
		}
		g.handleClientMessage(ctx, c, &msg)
	}
}

func (g *Gateway) handleClientMessage(ctx context.Context, c *gatewayConn, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.WorkspaceID == "" {
			_ = g.send(ctx, c, ServerMessage{Type: "error", Message: "workspaceId is required for subscribe"})
			return
		}
		c.mu.Lock()
		c.workspaces[msg.WorkspaceID] = true
		c.mu.Unlock()
		_ = g.send(ctx, c, ServerMessage{Type: "subscribed", WorkspaceID: msg.WorkspaceID})

	case "unsubscribe":
		if msg.WorkspaceID == "" {
			_ = g.send(ctx, c, ServerMessage{Type: "error", Message: "workspaceId is required for unsubscribe"})
			return
		}
		c.mu.Lock()
		delete(c.workspaces, msg.WorkspaceID)
		c.mu.Unlock()
		_ = g.send(ctx, c, ServerMessage{Type: "unsubscribed", WorkspaceID: msg.WorkspaceID})

	case "subscribeProjects":
		c.mu.Lock()
		for _, pn := range msg.ProjectNumbers {
			c.projects[pn] = true
		}
		c.mu.Unlock()
		// Replay each project's ring so a reconnecting dashboard sees
		// the recent history before live events.
		for _, pn := range msg.ProjectNumbers {
			_ = g.send(ctx, c, ServerMessage{Type: "subscribed", ProjectNumber: pn})
			for _, evt := range g.bus.Replay(pn) {
				e := evt
				if err := g.send(ctx, c, ServerMessage{
					Type:          "project.event",
					ProjectNumber: pn,
					Event:         &e,
				}); err != nil {
					return
				}
			}
		}

	default:
		_ = g.send(ctx, c, ServerMessage{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}

// route decides whether the event reaches this connection and as what
// message type. Events bound to a workspace or project room are only
// delivered to members; everything else is global.
func (c *gatewayConn) route(evt Event) (ServerMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case evt.ProjectNumber > 0:
		if !c.projects[evt.ProjectNumber] {
			return ServerMessage{}, false
		}
		e := evt
		return ServerMessage{Type: "project.event", ProjectNumber: evt.ProjectNumber, Event: &e}, true
	case evt.WorkspaceID != "":
		if !c.workspaces[evt.WorkspaceID] {
			return ServerMessage{}, false
		}
		e := evt
		return ServerMessage{Type: "orchestration.workspace", WorkspaceID: evt.WorkspaceID, Event: &e}, true
	default:
		e := evt
		return ServerMessage{Type: "orchestration.global", Event: &e}, true
	}
}

func (g *Gateway) send(ctx context.Context, c *gatewayConn, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "type", msg.Type, "error", err)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write failed", "type", msg.Type, "error", err)
		return err
	}
	return nil
}
