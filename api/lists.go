package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"taskboard-api/domain"
	"taskboard-api/mutation"
	"taskboard-api/storage"
)

// listActor authenticates a list-scoped mutation. List settings and lifecycle
// are admin territory.
func (s *Server) listActor(c echo.Context, metrics *mutationMetrics) (domain.List, actor, error) {
	ctx := c.Request().Context()
	list, err := s.Store.GetList(ctx, c.Param("listId"))
	if err != nil {
		metrics.SetErrorStage("not_found")
		return domain.List{}, actor{}, err
	}
	metrics.SetProjectID(list.ProjectID)

	authStart := time.Now()
	act, err := s.actorFor(c, list.ProjectID)
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		return domain.List{}, actor{}, err
	}
	return list, act, nil
}

func (s *Server) updateListWip() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/lists/:listId/wip")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(domain.EventListWipUpdated)

		list, act, actErr := s.listActor(c, metrics)
		if actErr != nil {
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleAdmin) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "only admins can change WIP settings")
			return err
		}

		var req updateListWipRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		if req.IsWipLimited && req.WipLimit < 1 {
			metrics.SetErrorStage("validate")
			err = writeDomainError(c, s.Logger, domain.ValidationError{
				Field: "wipLimit", Message: "must be positive when isWipLimited is true",
			})
			return err
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetList(ctx, list.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status != domain.StatusActive {
				return mutation.Outcome{}, domain.ConflictError{Message: "list is archived"}
			}
			// Lowering the limit below the current active count is allowed;
			// the overage simply blocks further admissions.
			updated, err := tx.UpdateListWip(ctx, list.ID, req.IsWipLimited, req.WipLimit)
			if err != nil {
				return mutation.Outcome{}, err
			}
			return mutation.Outcome{
				Result: updated,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "list",
					EntityID:   cur.ID,
					Action:     "list.wip_update",
					Metadata:   map[string]any{"isWipLimited": req.IsWipLimited, "wipLimit": req.WipLimit},
				},
				Event: mutation.EventSpec{Type: domain.EventListWipUpdated, Data: map[string]any{"list": updated}},
			}, nil
		})
		metrics.ObserveTx(time.Since(txStart))
		if runErr != nil {
			metrics.SetErrorStage(errorStage(runErr))
			err = writeDomainError(c, s.Logger, runErr)
			return err
		}
		err = c.JSON(http.StatusOK, out.Result)
		return err
	}
}

func (s *Server) archiveList() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/lists/:listId/archive")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(domain.EventListArchived)

		list, act, actErr := s.listActor(c, metrics)
		if actErr != nil {
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleAdmin) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "only admins can archive lists")
			return err
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetList(ctx, list.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status == domain.StatusArchived {
				return mutation.Outcome{}, domain.ConflictError{Message: "list already archived"}
			}
			// Archiving a list cascades to its active tasks so they leave
			// every WIP count at once.
			archived, err := tx.ArchiveTasksInList(ctx, cur.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if err := tx.SetListStatus(ctx, cur.ID, domain.StatusArchived); err != nil {
				return mutation.Outcome{}, err
			}
			updated, err := tx.GetList(ctx, cur.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			data := map[string]any{"list": updated, "archivedTaskCount": archived}
			return mutation.Outcome{
				Result: data,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "list",
					EntityID:   cur.ID,
					Action:     "list.archive",
					Metadata:   map[string]any{"archivedTaskCount": archived},
				},
				Event: mutation.EventSpec{Type: domain.EventListArchived, Data: data},
			}, nil
		})
		metrics.ObserveTx(time.Since(txStart))
		if runErr != nil {
			metrics.SetErrorStage(errorStage(runErr))
			err = writeDomainError(c, s.Logger, runErr)
			return err
		}
		err = c.JSON(http.StatusOK, out.Result)
		return err
	}
}

func (s *Server) restoreList() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/lists/:listId/restore")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(domain.EventListRestored)

		list, act, actErr := s.listActor(c, metrics)
		if actErr != nil {
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleAdmin) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "only admins can restore lists")
			return err
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetList(ctx, list.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status != domain.StatusArchived {
				return mutation.Outcome{}, domain.ConflictError{Message: "list is not archived"}
			}
			// Tasks archived by the cascade stay archived; restore them
			// one by one so each passes WIP admission.
			if err := tx.SetListStatus(ctx, cur.ID, domain.StatusActive); err != nil {
				return mutation.Outcome{}, err
			}
			updated, err := tx.GetList(ctx, cur.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			return mutation.Outcome{
				Result: updated,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "list",
					EntityID:   cur.ID,
					Action:     "list.restore",
				},
				Event: mutation.EventSpec{Type: domain.EventListRestored, Data: map[string]any{"list": updated}},
			}, nil
		})
		metrics.ObserveTx(time.Since(txStart))
		if runErr != nil {
			metrics.SetErrorStage(errorStage(runErr))
			err = writeDomainError(c, s.Logger, runErr)
			return err
		}
		err = c.JSON(http.StatusOK, out.Result)
		return err
	}
}
