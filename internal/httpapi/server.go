// Package httpapi hosts the Echo application: websocket routes plus the
// small REST surface for health, state, and DM history.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/identity"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
	"parley/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	router  *core.Router
	storage store.MessagesDAO
}

// New constructs an Echo app with websocket + REST routes.
func New(router *core.Router, storage store.MessagesDAO) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, router: router, storage: storage}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/dm/:a/:b/messages", s.handleDMHistory)
	ws.NewHandler(s.router).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	sessions, _ := s.router.Stats(c.Request().Context())
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: sessions,
	})
}

type stateResponse struct {
	Clients int      `json:"clients"`
	Users   []string `json:"users"`
	Drafts  int      `json:"drafts"`
}

func (s *Server) handleState(c echo.Context) error {
	ctx := c.Request().Context()
	users := s.router.ConnectedUsers(ctx)
	_, drafts := s.router.Stats(ctx)

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, string(u))
	}
	sort.Strings(ids)
	return c.JSON(http.StatusOK, stateResponse{
		Clients: len(ids),
		Users:   ids,
		Drafts:  drafts,
	})
}

type historyMessage struct {
	Sender    string             `json:"sender"`
	Content   string             `json:"content"`
	ID        string             `json:"id"`
	StartTime protocol.Timestamp `json:"start_time"`
	EndTime   protocol.Timestamp `json:"end_time"`
}

// handleDMHistory returns the finalized messages of a DM room, oldest
// first. The pair is canonicalized, so the path segments may come in
// either order.
func (s *Server) handleDMHistory(c echo.Context) error {
	a := identity.UserID(c.Param("a"))
	b := identity.UserID(c.Param("b"))
	if a == "" || b == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "both user ids are required")
	}

	ctx := c.Request().Context()
	room, err := s.storage.Room(ctx, store.DMRoom(a, b))
	if err != nil {
		if errors.Is(err, store.ErrMissingRoom) {
			return c.JSON(http.StatusOK, []historyMessage{})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "load room")
	}

	msgs, err := room.Messages(ctx, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load messages")
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{
			Sender:    string(m.Sender),
			Content:   m.Content,
			ID:        m.ID.String(),
			StartTime: m.StartTime,
			EndTime:   m.EndTime,
		})
	}
	return c.JSON(http.StatusOK, out)
}
