package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/subsync/internal/config"
	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"github.com/labstack/echo/v4"
)

// logEventHandler records a notification and projects it unless ?defer=true,
// in which case the retry scheduler picks it up as a stale pending event.
func logEventHandler(svc *ingest.Service, events *eventlog.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var n model.Notification
		if err := c.Bind(&n); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		ctx := c.Request().Context()

		var (
			res     any
			created bool
			err     error
		)
		if deferred, _ := strconv.ParseBool(c.QueryParam("defer")); deferred {
			var lr eventlog.LogResult
			lr, err = events.LogEvent(ctx, n)
			res, created = lr, !lr.IsDuplicate
		} else {
			var ir ingest.Result
			ir, err = svc.Ingest(ctx, n)
			res, created = ir, !ir.IsDuplicate
		}

		switch {
		case errors.Is(err, model.ErrInvalidNotification):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			c.Logger().Errorf("log event failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]any{"success": false, "error": "storage error"})
		case created:
			return c.JSON(http.StatusAccepted, res)
		default:
			return c.JSON(http.StatusOK, res)
		}
	}
}

type updateStatusReq struct {
	Status       string              `json:"status"`
	ErrorDetails *model.ErrorDetails `json:"error_details"`
}

func updateEventStatusHandler(events *eventlog.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateStatusReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		status := model.ProcessingStatus(strings.TrimSpace(req.Status))

		ok, err := events.UpdateEventStatus(c.Request().Context(), c.Param("id"), status, req.ErrorDetails)
		switch {
		case errors.Is(err, eventlog.ErrInvalidTransition):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			c.Logger().Errorf("update event status failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage error"})
		case !ok:
			return c.JSON(http.StatusConflict, map[string]string{"error": "event not found or already final"})
		}
		return c.JSON(http.StatusOK, map[string]any{"updated": true, "status": status})
	}
}

func eventsForRetryHandler(events *eventlog.Service, rc config.RetryConfig) echo.HandlerFunc {
	return func(c echo.Context) error {
		maxRetryCount := rc.MaxRetries
		if v := c.QueryParam("max_retry_count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid max_retry_count"})
			}
			maxRetryCount = n
		}
		delayMinutes := int(rc.BaseDelay / time.Minute)
		if v := c.QueryParam("retry_delay_minutes"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid retry_delay_minutes"})
			}
			delayMinutes = n
		}

		rows, err := events.GetEventsForRetry(c.Request().Context(), maxRetryCount, delayMinutes)
		if err != nil {
			c.Logger().Errorf("list retry candidates failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"max_retry_count":     maxRetryCount,
			"retry_delay_minutes": delayMinutes,
			"count":               len(rows),
			"results":             rows,
		})
	}
}

func eventStatsHandler(events *eventlog.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		from, err := parseTimeParam(c, "from")
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid from"})
		}
		to, err := parseTimeParam(c, "to")
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid to"})
		}

		stats, err := events.GetEventStats(c.Request().Context(), from, to)
		if err != nil {
			c.Logger().Errorf("event stats failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, stats)
	}
}

// parseTimeParam reads an RFC3339 query parameter; absent means nil.
func parseTimeParam(c echo.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
