package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

type errorResponse struct {
	Error         string `json:"error"`
	ListID        string `json:"listId,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Count         int    `json:"count,omitempty"`
	Latest        any    `json:"latest,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeDomainError maps expected domain outcomes to 4xx responses. Anything
// unexpected becomes a generic 500 carrying a correlation id; the detail only
// goes to the log.
func writeDomainError(c echo.Context, logger *log.Logger, err error) error {
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: nf.Error()})
	}
	var wip domain.WipLimitError
	if errors.As(err, &wip) {
		return c.JSON(http.StatusConflict, errorResponse{
			Error:  wip.Error(),
			ListID: wip.ListID,
			Limit:  wip.Limit,
			Count:  wip.Count,
		})
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, errorResponse{Error: conflict.Message, Latest: conflict.Latest})
	}
	var invalid domain.ValidationError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: invalid.Error()})
	}

	correlationID := uuid.NewString()
	if logger != nil {
		logger.WithFields(log.Fields{
			"correlation_id": correlationID,
			"path":           c.Path(),
		}).Errorf("request failed: %v", err)
	}
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:         "internal error",
		CorrelationID: correlationID,
	})
}
