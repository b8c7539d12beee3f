// Package ws serves the relay protocol over websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/identity"
	"parley/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the relay.
type Handler struct {
	router   *core.Router
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the routing core.
func NewHandler(router *core.Router) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/updates/:uid", h.HandleUpdates)
}

// HandleUpdates opens one session. The path names the authenticated user;
// a duplicate connection for the same uid is rejected with 403 before the
// upgrade.
func (h *Handler) HandleUpdates(c echo.Context) error {
	uid := identity.UserID(c.Param("uid"))
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}

	egress, err := h.router.Register(c.Request().Context(), uid)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRegistered) {
			return echo.NewHTTPError(http.StatusForbidden, "already registered")
		}
		return fmt.Errorf("register %s: %w", uid, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.router.Deregister(context.Background(), uid)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, uid, egress)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, uid identity.UserID, egress *core.Egress) {
	defer conn.Close()
	defer egress.Close()
	defer h.router.Deregister(context.Background(), uid)

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)
	slog.Info("session opened", "user_id", uid)

	// Egress: drain the queue onto the wire until it ends or a write fails.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			sp, ok := egress.Next()
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(protocol.MakeWebPacket(sp)); err != nil {
				slog.Debug("egress write failed", "user_id", uid, "err", err)
				return
			}
		}
	}()

	// Ingress: each frame becomes an SPacket stamped with the
	// authenticated sender and a fresh server timestamp. A frame that
	// fails to parse is dropped; the session lives on.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ingress read failed", "user_id", uid, "err", err)
			}
			break
		}
		var wp protocol.WebPacket
		if err := json.Unmarshal(data, &wp); err != nil {
			slog.Error("unable to parse packet", "user_id", uid, "err", err)
			continue
		}
		sp := protocol.MakeServerPacket(wp, uid, protocol.Now())
		if err := h.router.Process(context.Background(), sp); err != nil {
			slog.Error("enqueue inbound packet", "user_id", uid, "err", err)
			break
		}
	}

	egress.Close()
	<-writeDone
	slog.Info("session closed", "user_id", uid)
}
