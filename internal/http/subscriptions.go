package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/reconcile"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"github.com/labstack/echo/v4"
)

func consistencyHandler(sweeper *reconcile.Sweeper) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Param("owner"))
		if owner == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "owner required"})
		}
		rep, err := sweeper.Check(c.Request().Context(), owner)
		if err != nil {
			c.Logger().Errorf("consistency check failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, rep)
	}
}

func syncNowHandler(svc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Param("owner"))
		if owner == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "owner required"})
		}
		out, err := svc.SyncNow(c.Request().Context(), owner)
		if err != nil {
			c.Logger().Errorf("sync now failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "sync failed"})
		}
		return c.JSON(http.StatusOK, out)
	}
}

func syncMetricsHandler(svc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		m, err := svc.GetSyncMetrics(c.Request().Context())
		if err != nil {
			c.Logger().Errorf("sync metrics failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, m)
	}
}

func historyHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "history disabled"})
		}
		owner := strings.TrimSpace(c.QueryParam("owner_id"))
		if owner == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "owner_id required"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var st model.ProcessingStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			tmp := model.ProcessingStatus(raw)
			if tmp.Valid() {
				st = tmp
			}
		}

		rows, err := chRepo.ListByOwner(c.Request().Context(), owner, st, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
