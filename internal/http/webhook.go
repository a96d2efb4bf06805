package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// stripeWebhookHandler verifies a Stripe delivery and ingests it. Stripe
// redelivers on any non-2xx, so only storage errors answer 500; processing
// failures are owned by the retry scheduler.
func stripeWebhookHandler(v *provider.StripeVerifier, svc *ingest.Service, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if v == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "webhook not configured"})
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		n, err := v.Verify(body, c.Request().Header.Get("Stripe-Signature"))
		switch {
		case errors.Is(err, provider.ErrWebhookNotConfigured):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "webhook not configured"})
		case err != nil:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		}

		res, err := svc.Ingest(c.Request().Context(), n)
		switch {
		case errors.Is(err, model.ErrInvalidNotification):
			// Unusable deliveries are acknowledged so Stripe stops redelivering.
			log.Warn("webhook: dropped invalid notification",
				zap.String("provider_event_id", n.ProviderEventID), zap.Error(err))
			return c.JSON(http.StatusOK, map[string]any{"received": true, "ignored": true})
		case err != nil:
			log.Error("webhook: ingest failed", zap.String("provider_event_id", n.ProviderEventID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage error"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"received":  true,
			"event_id":  res.EventID,
			"duplicate": res.IsDuplicate,
		})
	}
}
