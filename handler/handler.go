// Package handler exposes the gateway over HTTP with gin, and over API
// Gateway proxy events when running on AWS Lambda.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"caramelo-gateway/internal/usecase"
)

const maxBodyBytes = 1 << 20

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type WebhookUseCase interface {
	HandleEvent(ctx context.Context, in usecase.WebhookInput) usecase.WebhookOutcome
}

type Handler struct {
	chat       ChatUseCase
	webhook    WebhookUseCase
	logger     *slog.Logger
	liveness   string
	corsOrigin string
	engine     *gin.Engine
	lambda     *ginadapter.GinLambda
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithLivenessMessage sets the text returned by GET /.
func WithLivenessMessage(msg string) Option {
	return func(h *Handler) { h.liveness = msg }
}

// WithCORSOrigin sets the allowed origins: "*", or a comma separated list of
// scheme-qualified origins. Empty disables CORS handling.
func WithCORSOrigin(origin string) Option {
	return func(h *Handler) { h.corsOrigin = origin }
}

func NewHandler(chat ChatUseCase, webhook WebhookUseCase, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if webhook == nil {
		return nil, errors.New("handler: webhook use case must not be nil")
	}
	h := &Handler{
		chat:       chat,
		webhook:    webhook,
		logger:     slog.Default(),
		liveness:   "ok",
		corsOrigin: "*",
	}
	for _, opt := range opts {
		opt(h)
	}
	engine, err := h.newEngine()
	if err != nil {
		return nil, err
	}
	h.engine = engine
	h.lambda = ginadapter.New(engine)
	return h, nil
}

// Router returns the http.Handler serving every route.
func (h *Handler) Router() http.Handler {
	return h.engine
}

func (h *Handler) newEngine() (*gin.Engine, error) {
	r := gin.New()
	r.Use(h.correlationID(), h.requestLog(), gin.CustomRecovery(h.recovered))
	if h.corsOrigin != "" {
		cfg, err := corsConfig(h.corsOrigin)
		if err != nil {
			return nil, fmt.Errorf("handler: cors origin %q: %w", h.corsOrigin, err)
		}
		r.Use(cors.New(cfg))
	}

	r.GET("/", h.live)
	r.POST("/hotmart/webhook", h.hotmartWebhook)
	r.POST("/caramelo/chat", h.carameloChat)
	return r, nil
}

func (h *Handler) live(c *gin.Context) {
	c.String(http.StatusOK, h.liveness)
}
