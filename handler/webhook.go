package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"caramelo-gateway/internal/usecase"
)

const hottokHeader = "X-Hotmart-Hottok"

// hotmartWebhook always acknowledges with 200 so the provider never retries
// on our account. Failures are visible in logs only.
func (h *Handler) hotmartWebhook(c *gin.Context) {
	logger := h.log(c)
	defer func() {
		if v := recover(); v != nil {
			logger.ErrorContext(c.Request.Context(), "webhook panic recovered", "panic", v)
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		logger.WarnContext(c.Request.Context(), "webhook body read failed", "err", err, "bytes", len(body))
		body = nil
	}

	outcome := h.webhook.HandleEvent(c.Request.Context(), usecase.WebhookInput{
		Payload:     body,
		ContentType: c.GetHeader("Content-Type"),
		Token:       c.GetHeader(hottokHeader),
	})
	logger.InfoContext(c.Request.Context(), "webhook handled", "outcome", outcome)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
