package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard-api/domain"
	"taskboard-api/realtime"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, s *Server) {
	if s.Heartbeat <= 0 {
		s.Heartbeat = realtime.DefaultHeartbeatInterval
	}

	e.POST("/api/projects/:projectId/lists/:listId/tasks", s.createTask())
	e.POST("/api/tasks/:taskId/move", s.moveTask())
	e.POST("/api/tasks/:taskId/archive", s.archiveTask())
	e.POST("/api/tasks/:taskId/restore", s.restoreTask())
	e.POST("/api/tasks/:taskId/comments", s.addComment())
	e.PATCH("/api/lists/:listId/wip", s.updateListWip())
	e.POST("/api/lists/:listId/archive", s.archiveList())
	e.POST("/api/lists/:listId/restore", s.restoreList())
	e.GET("/api/projects/:projectId/events", s.streamEvents())
	e.GET("/api/projects/:projectId/snapshot", s.getSnapshot())
	e.GET("/api/projects/:projectId/activity", s.getActivity())
	e.GET("/healthz", s.healthz())
}

func (s *Server) healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.Store.Ping(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "storage unavailable")
		}
		return c.NoContent(http.StatusOK)
	}
}

var errUnauthenticated = errors.New("unauthenticated")

// actor is the resolved caller of a request: authenticated user plus their
// role in the project being touched.
type actor struct {
	UserID string
	Role   domain.Role
}

// actorFor authenticates the request and resolves the caller's membership.
// Non-members get the same NotFoundError a missing project would produce.
func (s *Server) actorFor(c echo.Context, projectID string) (actor, error) {
	userID, err := s.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return actor{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	m, err := s.Store.GetMembership(c.Request().Context(), projectID, userID)
	if err != nil {
		return actor{}, err
	}
	return actor{UserID: userID, Role: m.Role}, nil
}

func (s *Server) writeActorError(c echo.Context, err error) error {
	if errors.Is(err, errUnauthenticated) {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	return writeDomainError(c, s.Logger, err)
}

func forbidden(c echo.Context, msg string) error {
	return c.JSON(http.StatusForbidden, errorResponse{Error: msg})
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// errorStage classifies a failed mutation for the request metrics entry.
func errorStage(err error) string {
	var wip domain.WipLimitError
	if errors.As(err, &wip) {
		return "wip_limit"
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return "conflict"
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return "not_found"
	}
	var invalid domain.ValidationError
	if errors.As(err, &invalid) {
		return "validate"
	}
	return "storage"
}

func (s *Server) getActivity() echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		projectID := c.Param("projectId")
		if _, err := s.actorFor(c, projectID); err != nil {
			return s.writeActorError(c, err)
		}
		limit := 0
		if raw := c.QueryParam("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			}
			limit = n
		}
		entries, err := s.Store.ListActivity(ctx, projectID, limit)
		if err != nil {
			return writeDomainError(c, s.Logger, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"activity": entries})
	}
}
