package httpapi

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"deploy-relay/control-plane/internal/logstream"
)

// wsConn adapts a WebSocket connection to logstream.Conn.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, []byte(line))
}

// Receive reads and discards one client message. Clients may send pings or
// anything else; only the error matters.
func (c *wsConn) Receive(ctx context.Context) error {
	_, _, err := c.conn.Read(ctx)
	return err
}

// Close starts the close handshake without waiting for it. The pending
// Receive returns once the connection is gone.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		go c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return nil
}

// GET /api/ws/deploy/{deploy_id}
func (s *Server) handleDeployStream(w http.ResponseWriter, r *http.Request) {
	deployID, ok := pathID(w, r, "deploy_id")
	if !ok {
		return
	}

	accept := func() (logstream.Conn, error) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // any origin, like the CORS policy
		})
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}

	if err := s.lifecycle.Serve(r.Context(), deployID, accept); err != nil {
		// Accept already wrote the HTTP error response.
		s.logger.Warn("websocket accept failed", "deploy_id", deployID, "error", err)
	}
}
