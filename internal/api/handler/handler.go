package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/dispatch"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/export"
	"github.com/michalprusek/cell-segmentation-hub-sub000/internal/queue"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	QueueManager *queue.Manager
	ExportSvc    *export.Service
	Dispatcher   *dispatch.Publisher
}

// userIDHeader identifies the caller. Authentication itself is terminated
// upstream; the gateway injects this header after token validation.
const userIDHeader = "X-User-ID"

func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "missing " + userIDHeader + " header",
		})
		return "", false
	}
	return userID, true
}

// errorStatus maps domain errors onto an HTTP status and client message.
func errorStatus(logger *slog.Logger, err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, export.ErrExportNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, queue.ErrAccessDenied), errors.Is(err, export.ErrAccessDenied):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, queue.ErrUnknownModel), errors.Is(err, queue.ErrInvalidThreshold):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, export.ErrNotAvailable):
		return http.StatusConflict, err.Error()
	default:
		logger.Error("Request failed", slog.Any("error", err))
		return http.StatusInternalServerError, "internal error"
	}
}

func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status, msg := errorStatus(logger, err)
	c.JSON(status, gin.H{"error": msg})
}
