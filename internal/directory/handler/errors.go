package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// respondErr maps a service error onto the JSON error envelope. Validation
// failures carry field and hint context; anything unclassified is a 500
// with no internals leaked.
func respondErr(c *gin.Context, logger *zap.Logger, err error) {
	var valErr *model.ErrValidation
	if errors.As(err, &valErr) {
		status := http.StatusBadRequest
		if strings.Contains(valErr.Msg, "expired") {
			status = http.StatusGone
		}
		body := gin.H{"error": valErr.Msg}
		if valErr.Field != "" {
			body["field"] = valErr.Field
		}
		if valErr.Hint != "" {
			body["hint"] = valErr.Hint
		}
		c.JSON(status, body)
		return
	}

	var rlErr *service.ErrRateLimited
	if errors.As(err, &rlErr) {
		c.Header("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "rate limit exceeded for " + string(rlErr.Action),
			"action":              rlErr.Action,
			"cap":                 rlErr.Limit,
			"tier":                tierFrom(c),
			"retry_after_seconds": int(rlErr.RetryAfter.Seconds()),
		})
		return
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repository.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflicting state, retry or re-read", "hint": err.Error()})
	default:
		logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"hint":  "transient failure; retry shortly",
		})
	}
}
