package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WebSocketHandler upgrades HTTP requests and feeds their text messages to
// the acceptor.
type WebSocketHandler struct {
	acceptor       Acceptor
	logger         *slog.Logger
	originPatterns []string
}

func NewWebSocketHandler(acceptor Acceptor, logger *slog.Logger, originPatterns []string) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		acceptor:       acceptor,
		logger:         logger.With("component", "transport", "transport", "websocket"),
		originPatterns: originPatterns,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(MaxMessageSize)

	id := h.acceptor.Accept(&wsConn{conn: conn, ip: hostOf(r.RemoteAddr)})
	defer h.acceptor.Disconnect(id)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("read failed", "conn", id, "err", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.acceptor.Receive(id, data)
	}
}

type wsConn struct {
	conn *websocket.Conn
	ip   string
	once sync.Once
}

func (c *wsConn) RemoteIP() string  { return c.ip }
func (c *wsConn) Transport() string { return "websocket" }

func (c *wsConn) Write(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Close starts the closing handshake without waiting for it.
func (c *wsConn) Close() error {
	c.once.Do(func() {
		go c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return nil
}
