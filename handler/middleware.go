package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"caramelo-gateway/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	ctxLoggerKey      = "caramelo.logger"
)

// correlationID echoes the caller's X-Correlation-Id or generates one, and
// stores a request-scoped logger carrying it.
func (h *Handler) correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationHeader, id)
		c.Set(ctxLoggerKey, h.logger.With("correlation_id", id))
		c.Next()
	}
}

func (h *Handler) log(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ctxLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return h.logger
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log(c).InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// corsConfig turns the configured origin list into a cors.Config. "*" allows
// any origin; otherwise origins are comma separated.
func corsConfig(origins string) (cors.Config, error) {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", correlationHeader, hottokHeader},
		ExposeHeaders: []string{correlationHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			cfg.AllowAllOrigins = true
		default:
			cfg.AllowOrigins = append(cfg.AllowOrigins, o)
		}
	}
	if cfg.AllowAllOrigins {
		cfg.AllowOrigins = nil
	}
	return cfg, cfg.Validate()
}

func (h *Handler) recovered(c *gin.Context, v any) {
	h.log(c).ErrorContext(c.Request.Context(), "panic recovered", "panic", v, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Error:   string(usecase.ErrorInternal),
		Message: msgGenericFailure,
	})
}
