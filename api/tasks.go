package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskboard-api/domain"
	"taskboard-api/mutation"
	"taskboard-api/storage"
)

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// moveResult is returned from a move and carried on the TaskMoved event. Order
// is the authoritative (position, id) order of the destination list so clients
// never have to re-derive it from fractional keys.
type moveResult struct {
	Task  domain.Task         `json:"task"`
	Order []storage.TaskOrder `json:"order"`
}

func (s *Server) createTask() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/projects/:projectId/lists/:listId/tasks")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()

		projectID := c.Param("projectId")
		listID := c.Param("listId")
		metrics.SetProjectID(projectID)
		metrics.SetEventType(domain.EventTaskCreated)

		authStart := time.Now()
		act, actErr := s.actorFor(c, projectID)
		metrics.ObserveAuth(time.Since(authStart))
		if actErr != nil {
			metrics.SetErrorStage("auth")
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleMember) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "viewers cannot modify the board")
			return err
		}

		var req createTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		if strings.TrimSpace(req.Title) == "" {
			metrics.SetErrorStage("validate")
			err = writeDomainError(c, s.Logger, domain.ValidationError{Field: "title", Message: "must not be empty"})
			return err
		}

		taskID := uuid.NewString()
		if req.IdempotencyKey != "" && s.Deduper != nil {
			added, dedupErr := s.Deduper.Add(ctx, act.UserID, req.IdempotencyKey, taskID)
			if dedupErr != nil {
				metrics.SetErrorStage("dedup")
				err = writeDomainError(c, s.Logger, dedupErr)
				return err
			}
			if !added {
				err = s.replayCreate(c, act.UserID, req.IdempotencyKey)
				return err
			}
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			list, err := tx.GetList(ctx, listID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if list.ProjectID != projectID {
				return mutation.Outcome{}, domain.NotFoundError{Resource: "list"}
			}
			if list.Status != domain.StatusActive {
				return mutation.Outcome{}, domain.ConflictError{Message: "list is archived"}
			}
			if err := domain.AssertWipAllowsAdd(ctx, tx, domain.Admission{
				ListID:         listID,
				ActorRole:      act.Role,
				OverrideReason: req.WipOverrideReason,
			}); err != nil {
				return mutation.Outcome{}, err
			}

			last, err := tx.LastTaskPosition(ctx, listID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			now := nowStamp()
			task := domain.Task{
				ID:          taskID,
				ProjectID:   projectID,
				BoardID:     list.BoardID,
				ListID:      listID,
				Title:       req.Title,
				Description: req.Description,
				Position:    domain.PositionBetween(last, ""),
				Status:      domain.StatusActive,
				Version:     1,
				CreatedBy:   act.UserID,
				CreatedAt:   now,
				UpdatedAt:   now,
				AssigneeIDs: req.AssigneeIDs,
			}
			if err := tx.InsertTask(ctx, task); err != nil {
				return mutation.Outcome{}, err
			}
			return mutation.Outcome{
				Result: task,
				Activity: domain.ActivityEntry{
					ProjectID:  projectID,
					ActorID:    act.UserID,
					EntityType: "task",
					EntityID:   taskID,
					Action:     "task.create",
					Metadata:   map[string]any{"listId": listID, "title": task.Title},
				},
				Event: mutation.EventSpec{Type: domain.EventTaskCreated, Data: map[string]any{"task": task}},
			}, nil
		})
		metrics.ObserveTx(time.Since(txStart))
		if runErr != nil {
			if req.IdempotencyKey != "" && s.Deduper != nil {
				_ = s.Deduper.Remove(ctx, act.UserID, req.IdempotencyKey)
			}
			metrics.SetErrorStage(errorStage(runErr))
			err = writeDomainError(c, s.Logger, runErr)
			return err
		}
		err = c.JSON(http.StatusCreated, out.Result)
		return err
	}
}

// replayCreate answers a duplicate create submission with the task the first
// submission produced.
func (s *Server) replayCreate(c echo.Context, userID, key string) error {
	ctx := c.Request().Context()
	existingID, err := s.Deduper.Lookup(ctx, userID, key)
	if err == nil && existingID != "" {
		if existing, getErr := s.Store.GetTask(ctx, existingID); getErr == nil {
			return c.JSON(http.StatusOK, existing)
		}
	}
	// Key is reserved but the first submission has not committed yet (or was
	// rolled back between Add and Remove).
	return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate submission"})
}

func (s *Server) moveTask() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/tasks/:taskId/move")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(domain.EventTaskMoved)

		taskID := c.Param("taskId")
		task, getErr := s.Store.GetTask(ctx, taskID)
		if getErr != nil {
			metrics.SetErrorStage("not_found")
			err = writeDomainError(c, s.Logger, getErr)
			return err
		}
		metrics.SetProjectID(task.ProjectID)

		authStart := time.Now()
		act, actErr := s.actorFor(c, task.ProjectID)
		metrics.ObserveAuth(time.Since(authStart))
		if actErr != nil {
			metrics.SetErrorStage("auth")
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleMember) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "viewers cannot modify the board")
			return err
		}

		var req moveTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		if req.ToListID == "" {
			req.ToListID = task.ListID
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status != domain.StatusActive {
				return mutation.Outcome{}, domain.ConflictError{Message: "task is archived", Latest: cur}
			}
			dest, err := tx.GetList(ctx, req.ToListID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if dest.ProjectID != cur.ProjectID {
				return mutation.Outcome{}, domain.NotFoundError{Resource: "list"}
			}
			if dest.Status != domain.StatusActive {
				return mutation.Outcome{}, domain.ConflictError{Message: "list is archived"}
			}
			if dest.ID != cur.ListID {
				if err := domain.AssertWipAllowsAdd(ctx, tx, domain.Admission{
					ListID:                dest.ID,
					ActorRole:             act.Role,
					OverrideReason:        req.WipOverrideReason,
					RequireOverrideReason: true,
				}); err != nil {
					return mutation.Outcome{}, err
				}
			}

			pos, err := resolvePosition(ctx, tx, dest.ID, req.AfterTaskID, req.BeforeTaskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if err := tx.MoveTask(ctx, taskID, dest.ID, dest.BoardID, pos, req.ExpectedVersion); err != nil {
				return mutation.Outcome{}, err
			}
			moved, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			order, err := tx.ListTaskOrder(ctx, dest.ID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			res := moveResult{Task: moved, Order: order}
			return mutation.Outcome{
				Result: res,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "task",
					EntityID:   taskID,
					Action:     "task.move",
					Metadata:   map[string]any{"fromListId": cur.ListID, "toListId": dest.ID},
				},
				Event: mutation.EventSpec{Type: domain.EventTaskMoved, Data: res},
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

// resolvePosition turns an optional neighbor reference into a fractional
// position key in the destination list. With no neighbor the task is appended.
func resolvePosition(ctx context.Context, tx *storage.Tx, listID, afterID, beforeID string) (string, error) {
	switch {
	case afterID != "":
		after, err := tx.GetTask(ctx, afterID)
		if err != nil {
			return "", err
		}
		if after.ListID != listID {
			return "", domain.ValidationError{Field: "afterTaskId", Message: "not in the destination list"}
		}
		next, err := tx.PositionAfter(ctx, listID, after.Position)
		if err != nil {
			return "", err
		}
		return domain.PositionBetween(after.Position, next), nil
	case beforeID != "":
		before, err := tx.GetTask(ctx, beforeID)
		if err != nil {
			return "", err
		}
		if before.ListID != listID {
			return "", domain.ValidationError{Field: "beforeTaskId", Message: "not in the destination list"}
		}
		prev, err := tx.PositionBefore(ctx, listID, before.Position)
		if err != nil {
			return "", err
		}
		return domain.PositionBetween(prev, before.Position), nil
	default:
		last, err := tx.LastTaskPosition(ctx, listID)
		if err != nil {
			return "", err
		}
		return domain.PositionBetween(last, ""), nil
	}
}

func (s *Server) archiveTask() echo.HandlerFunc {
	return s.setTaskStatus("/api/tasks/:taskId/archive", domain.StatusArchived)
}

func (s *Server) restoreTask() echo.HandlerFunc {
	return s.setTaskStatus("/api/tasks/:taskId/restore", domain.StatusActive)
}

func (s *Server) setTaskStatus(route, target string) echo.HandlerFunc {
	eventType := domain.EventTaskArchived
	action := "task.archive"
	if target == domain.StatusActive {
		eventType = domain.EventTaskRestored
		action = "task.restore"
	}
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(eventType)

		taskID := c.Param("taskId")
		task, getErr := s.Store.GetTask(ctx, taskID)
		if getErr != nil {
			metrics.SetErrorStage("not_found")
			err = writeDomainError(c, s.Logger, getErr)
			return err
		}
		metrics.SetProjectID(task.ProjectID)

		authStart := time.Now()
		act, actErr := s.actorFor(c, task.ProjectID)
		metrics.ObserveAuth(time.Since(authStart))
		if actErr != nil {
			metrics.SetErrorStage("auth")
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleMember) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "viewers cannot modify the board")
			return err
		}

		var req taskStatusRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status == target {
				return mutation.Outcome{}, domain.ConflictError{Message: "task already " + target, Latest: cur}
			}
			if target == domain.StatusActive {
				// Restoring puts the task back into its list's WIP count.
				list, err := tx.GetList(ctx, cur.ListID)
				if err != nil {
					return mutation.Outcome{}, err
				}
				if list.Status != domain.StatusActive {
					return mutation.Outcome{}, domain.ConflictError{Message: "list is archived"}
				}
				if err := domain.AssertWipAllowsAdd(ctx, tx, domain.Admission{
					ListID:                cur.ListID,
					ActorRole:             act.Role,
					OverrideReason:        req.WipOverrideReason,
					RequireOverrideReason: true,
				}); err != nil {
					return mutation.Outcome{}, err
				}
			}
			if err := tx.SetTaskStatus(ctx, taskID, target, req.ExpectedVersion); err != nil {
				return mutation.Outcome{}, err
			}
			updated, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			return mutation.Outcome{
				Result: updated,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "task",
					EntityID:   taskID,
					Action:     action,
					Metadata:   map[string]any{"listId": cur.ListID},
				},
				Event: mutation.EventSpec{Type: eventType, Data: map[string]any{"task": updated}},
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

func (s *Server) addComment() echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationMetrics(ctx, s.Logger, "/api/tasks/:taskId/comments")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() { metrics.Log(c.Response().Status, err) }()
		metrics.SetEventType(domain.EventCommentAdded)

		taskID := c.Param("taskId")
		task, getErr := s.Store.GetTask(ctx, taskID)
		if getErr != nil {
			metrics.SetErrorStage("not_found")
			err = writeDomainError(c, s.Logger, getErr)
			return err
		}
		metrics.SetProjectID(task.ProjectID)

		authStart := time.Now()
		act, actErr := s.actorFor(c, task.ProjectID)
		metrics.ObserveAuth(time.Since(authStart))
		if actErr != nil {
			metrics.SetErrorStage("auth")
			err = s.writeActorError(c, actErr)
			return err
		}
		if !act.Role.AtLeast(domain.RoleMember) {
			metrics.SetErrorStage("forbidden")
			err = forbidden(c, "viewers cannot modify the board")
			return err
		}

		var req addCommentRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		if strings.TrimSpace(req.Body) == "" {
			metrics.SetErrorStage("validate")
			err = writeDomainError(c, s.Logger, domain.ValidationError{Field: "body", Message: "must not be empty"})
			return err
		}

		txStart := time.Now()
		out, runErr := s.Mutations.Run(ctx, func(tx *storage.Tx) (mutation.Outcome, error) {
			cur, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return mutation.Outcome{}, err
			}
			if cur.Status != domain.StatusActive {
				return mutation.Outcome{}, domain.ConflictError{Message: "task is archived", Latest: cur}
			}
			comment := domain.Comment{
				ID:        uuid.NewString(),
				TaskID:    taskID,
				ProjectID: cur.ProjectID,
				AuthorID:  act.UserID,
				Body:      req.Body,
				CreatedAt: nowStamp(),
			}
			if err := tx.InsertComment(ctx, comment); err != nil {
				return mutation.Outcome{}, err
			}
			return mutation.Outcome{
				Result: comment,
				Activity: domain.ActivityEntry{
					ProjectID:  cur.ProjectID,
					ActorID:    act.UserID,
					EntityType: "comment",
					EntityID:   comment.ID,
					Action:     "comment.add",
					Metadata:   map[string]any{"taskId": taskID},
				},
				Event: mutation.EventSpec{Type: domain.EventCommentAdded, Data: map[string]any{"comment": comment}},
			}, nil
		})
		metrics.ObserveTx(time.Since(txStart))
		if runErr != nil {
			metrics.SetErrorStage(errorStage(runErr))
			err = writeDomainError(c, s.Logger, runErr)
			return err
		}
		err = c.JSON(http.StatusCreated, out.Result)
		return err
	}
}
