package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"caramelo-gateway/internal/domain"
	"caramelo-gateway/internal/integrations/openai"
	"caramelo-gateway/internal/repository"
	"caramelo-gateway/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChat struct {
	out   usecase.ChatOutput
	err   error
	in    usecase.ChatInput
	calls int
}

func (s *stubChat) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.calls++
	s.in = in
	return s.out, s.err
}

type stubWebhook struct {
	in      usecase.WebhookInput
	calls   int
	panicky bool
}

func (s *stubWebhook) HandleEvent(_ context.Context, in usecase.WebhookInput) usecase.WebhookOutcome {
	s.calls++
	s.in = in
	if s.panicky {
		panic("parser exploded")
	}
	return usecase.OutcomeApplied
}

func newTestHandler(t *testing.T, chat ChatUseCase, webhook WebhookUseCase, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(chat, webhook, opts...)
	require.NoError(t, err)
	return h
}

func do(h *Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubWebhook{})
	require.Error(t, err)
	_, err = NewHandler(&stubChat{}, nil)
	require.Error(t, err)
}

func TestLiveness(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{}, WithLivenessMessage("Servidor Caramelo Vet online"))
	rec := do(h, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Servidor Caramelo Vet online", rec.Body.String())
}

func TestChat_HappyPath(t *testing.T) {
	uc := &stubChat{out: usecase.ChatOutput{Reply: "oi"}}
	h := newTestHandler(t, uc, &stubWebhook{})

	rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"teste@teste.com","message":"olá","history":[{"role":"user","content":"a"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, usecase.ChatInput{
		Identifier: "teste@teste.com",
		Message:    "olá",
		History:    []domain.ChatMessage{{Role: "user", Content: "a"}},
	}, uc.in)

	out := parseBody[chatResponse](t, rec.Body.String())
	require.Equal(t, chatResponse{Reply: "oi", Answer: "oi"}, out)
	require.NotEmpty(t, rec.Header().Get(correlationHeader))
}

func TestChat_IdentifierWinsOverEmail(t *testing.T) {
	uc := &stubChat{out: usecase.ChatOutput{Reply: "oi"}}
	h := newTestHandler(t, uc, &stubWebhook{})

	rec := do(h, http.MethodPost, "/caramelo/chat", `{"identifier":"id@x.com","email":"mail@x.com","message":"olá"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "id@x.com", uc.in.Identifier)
}

func TestChat_InvalidBody(t *testing.T) {
	uc := &stubChat{}
	h := newTestHandler(t, uc, &stubWebhook{})

	rec := do(h, http.MethodPost, "/caramelo/chat", `not-json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, 0, uc.calls)
}

func TestChat_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{name: "missing message", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_message"}, status: http.StatusBadRequest, code: "INVALID_INPUT", message: msgMissingMessage},
		{name: "missing identifier", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_identifier"}, status: http.StatusBadRequest, code: "INVALID_INPUT", message: msgMissingID},
		{name: "forbidden", err: &usecase.Error{Code: usecase.ErrorForbidden, Reason: "not_entitled"}, status: http.StatusForbidden, code: "FORBIDDEN", message: msgForbidden},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "rate_limited"}, status: http.StatusTooManyRequests, code: "RATE_LIMITED", message: msgRateLimited},
		{name: "configuration", err: &usecase.Error{Code: usecase.ErrorConfiguration, Reason: "missing_api_key"}, status: http.StatusInternalServerError, code: "CONFIGURATION_ERROR", message: msgMissingAPIKey},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "completion_error"}, status: http.StatusInternalServerError, code: "UPSTREAM_ERROR", message: msgGenericFailure},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "entitlement_lookup_error"}, status: http.StatusInternalServerError, code: "INTERNAL_ERROR", message: msgGenericFailure},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR", message: msgGenericFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubChat{err: tc.err}, &stubWebhook{})
			rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"a@b.com","message":"olá"}`, nil)
			require.Equal(t, tc.status, rec.Code)

			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, errorResponse{Error: tc.code, Message: tc.message}, out)
		})
	}
}

func TestChat_UpstreamDetailOnlyInLogs(t *testing.T) {
	var logs bytes.Buffer
	detail := "invalid_api_key: sk-proj-abc is revoked"
	uc := &stubChat{err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "completion_error", Err: errors.New(detail)}}
	h := newTestHandler(t, uc, &stubWebhook{}, WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"a@b.com","message":"olá"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-proj")
	require.Contains(t, logs.String(), detail)
}

func TestChat_UsesProvidedCorrelationID(t *testing.T) {
	var logs bytes.Buffer
	h := newTestHandler(t, &stubChat{out: usecase.ChatOutput{Reply: "ok"}}, &stubWebhook{},
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"a@b.com","message":"olá"}`,
		map[string]string{"x-correlation-id": "corr-123"})
	require.Equal(t, "corr-123", rec.Header().Get(correlationHeader))
	require.Contains(t, logs.String(), `"correlation_id":"corr-123"`)
}

func TestCORS(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{}, WithCORSOrigin("https://caramelo.vet"))
	origin := map[string]string{"Origin": "https://caramelo.vet", "Access-Control-Request-Method": http.MethodPost}

	rec := do(h, http.MethodOptions, "/caramelo/chat", "", origin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://caramelo.vet", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), hottokHeader)

	rec = do(h, http.MethodGet, "/", "", map[string]string{"Origin": "https://caramelo.vet"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://caramelo.vet", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodGet, "/", "", map[string]string{"Origin": "https://outro.com"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORS_AnyOriginByDefault(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{})
	rec := do(h, http.MethodGet, "/", "", map[string]string{"Origin": "https://qualquer.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Disabled(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{}, WithCORSOrigin(""))
	rec := do(h, http.MethodGet, "/", "", map[string]string{"Origin": "https://qualquer.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewHandler_RejectsBadCORSOrigin(t *testing.T) {
	_, err := NewHandler(&stubChat{}, &stubWebhook{}, WithCORSOrigin("caramelo.vet"))
	require.Error(t, err)
}

func TestWebhook_AlwaysOK(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "purchase approved", body: `{"event":"PURCHASE_APPROVED","data":{"buyer":{"email":"a@b.com"}}}`},
		{name: "missing fields", body: `{"event":"PURCHASE_APPROVED"}`},
		{name: "malformed", body: `{"event":`},
		{name: "empty", body: ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wh := &stubWebhook{}
			h := newTestHandler(t, &stubChat{}, wh)
			rec := do(h, http.MethodPost, "/hotmart/webhook", tc.body, map[string]string{hottokHeader: "tok"})
			require.Equal(t, http.StatusOK, rec.Code)
			require.JSONEq(t, `{"ok":true}`, rec.Body.String())
			require.Equal(t, 1, wh.calls)
			require.Equal(t, tc.body, string(wh.in.Payload))
			require.Equal(t, "tok", wh.in.Token)
		})
	}
}

func TestWebhook_PassesContentType(t *testing.T) {
	wh := &stubWebhook{}
	h := newTestHandler(t, &stubChat{}, wh)
	body := "status=approved&buyer%5Bemail%5D=a%40b.com"
	rec := do(h, http.MethodPost, "/hotmart/webhook", body, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, string(wh.in.Payload))
	require.Equal(t, "application/x-www-form-urlencoded", wh.in.ContentType)
}

func TestWebhook_PanicStillOK(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{panicky: true})
	rec := do(h, http.MethodPost, "/hotmart/webhook", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHandle_LambdaRoundTrip(t *testing.T) {
	uc := &stubChat{out: usecase.ChatOutput{Reply: "oi"}}
	h := newTestHandler(t, uc, &stubWebhook{})

	headers := map[string]string{"content-type": "application/json", "x-correlation-id": "corr-9"}
	multi := map[string][]string{}
	for k, v := range headers {
		multi[k] = []string{v}
	}
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:        http.MethodPost,
		Path:              "/caramelo/chat",
		Headers:           headers,
		MultiValueHeaders: multi,
		Body:              base64.StdEncoding.EncodeToString([]byte(`{"email":"teste@teste.com","message":"olá"}`)),
		IsBase64Encoded:   true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "corr-9", lambdaHeader(resp, correlationHeader))
	require.Equal(t, "olá", uc.in.Message)
	require.Equal(t, chatResponse{Reply: "oi", Answer: "oi"}, parseBody[chatResponse](t, resp.Body))
}

func lambdaHeader(resp events.APIGatewayProxyResponse, key string) string {
	if v := http.Header(resp.MultiValueHeaders).Get(key); v != "" {
		return v
	}
	for k, v := range resp.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func TestHandle_LambdaBadBase64(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{})
	_, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost, Path: "/caramelo/chat", Body: "%%%", IsBase64Encoded: true,
	})
	require.Error(t, err)
}

func TestHandle_LambdaNotFound(t *testing.T) {
	h := newTestHandler(t, &stubChat{}, &stubWebhook{})
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/nope"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// countingCompleter stands in for the provider and records every call.
type countingCompleter struct {
	reply string
	err   error
	calls int
}

func (c *countingCompleter) Complete(context.Context, string, []domain.ChatMessage) (string, error) {
	c.calls++
	return c.reply, c.err
}

const gatewayHottok = "segredo"

func newGateway(t *testing.T, llm usecase.Completer, logs *bytes.Buffer) *Handler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	store := repository.NewMemoryStore()
	require.NoError(t, repository.Seed(context.Background(), store, []string{"teste@teste.com"}, time.Now()))

	chat, err := usecase.NewChatService(llm, store, usecase.ChatConfig{
		Model:         "gpt-test",
		Persona:       "Você é o Caramelo.",
		FallbackReply: "Não consegui gerar uma resposta agora.",
	}, usecase.WithChatLogger(logger))
	require.NoError(t, err)
	webhook, err := usecase.NewWebhookService(store,
		usecase.WithHottok(gatewayHottok), usecase.WithWebhookLogger(logger))
	require.NoError(t, err)
	return newTestHandler(t, chat, webhook, WithLogger(logger))
}

func TestGateway_EndToEnd(t *testing.T) {
	t.Run("missing message or identifier is 400 without provider call", func(t *testing.T) {
		llm := &countingCompleter{reply: "oi"}
		h := newGateway(t, llm, &bytes.Buffer{})
		for _, body := range []string{`{"email":"teste@teste.com"}`, `{"message":"olá"}`, `{}`} {
			rec := do(h, http.MethodPost, "/caramelo/chat", body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
		require.Equal(t, 0, llm.calls)
	})

	t.Run("unknown identifier is 403 without provider call", func(t *testing.T) {
		llm := &countingCompleter{reply: "oi"}
		h := newGateway(t, llm, &bytes.Buffer{})
		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"ninguem@teste.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, 0, llm.calls)
	})

	t.Run("entitled identifier gets provider text", func(t *testing.T) {
		llm := &countingCompleter{reply: "oi"}
		h := newGateway(t, llm, &bytes.Buffer{})
		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"teste@teste.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "oi", parseBody[chatResponse](t, rec.Body.String()).Reply)
		require.Equal(t, 1, llm.calls)
	})

	t.Run("no extractable text yields fallback", func(t *testing.T) {
		llm := &countingCompleter{err: openai.ErrEmptyCompletion}
		h := newGateway(t, llm, &bytes.Buffer{})
		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"teste@teste.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "Não consegui gerar uma resposta agora.", parseBody[chatResponse](t, rec.Body.String()).Reply)
	})

	t.Run("provider failure is generic 500 with detail in logs", func(t *testing.T) {
		var logs bytes.Buffer
		llm := &countingCompleter{err: errors.New("dial tcp 10.0.0.1:443: connection refused")}
		h := newGateway(t, llm, &logs)
		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"teste@teste.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, errorResponse{Error: "UPSTREAM_ERROR", Message: msgGenericFailure}, parseBody[errorResponse](t, rec.Body.String()))
		require.NotContains(t, rec.Body.String(), "connection refused")
		require.Contains(t, logs.String(), "connection refused")
	})

	t.Run("purchase webhook unlocks chat", func(t *testing.T) {
		llm := &countingCompleter{reply: "oi"}
		h := newGateway(t, llm, &bytes.Buffer{})

		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"nova@clinica.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)

		signed := map[string]string{hottokHeader: gatewayHottok}
		rec = do(h, http.MethodPost, "/hotmart/webhook", `{"event":"PURCHASE_APPROVED","data":{"buyer":{"email":"Nova@Clinica.com"}}}`, signed)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(h, http.MethodPost, "/caramelo/chat", `{"email":"nova@clinica.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		form := map[string]string{hottokHeader: gatewayHottok, "Content-Type": "application/x-www-form-urlencoded"}
		rec = do(h, http.MethodPost, "/hotmart/webhook", "status=refunded&buyer%5Bemail%5D=nova%40clinica.com", form)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(h, http.MethodPost, "/caramelo/chat", `{"email":"nova@clinica.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unsigned webhook changes nothing", func(t *testing.T) {
		llm := &countingCompleter{reply: "oi"}
		h := newGateway(t, llm, &bytes.Buffer{})

		for _, headers := range []map[string]string{nil, {hottokHeader: "errado"}} {
			rec := do(h, http.MethodPost, "/hotmart/webhook", `{"event":"PURCHASE_APPROVED","data":{"buyer":{"email":"attacker@evil.com"}}}`, headers)
			require.Equal(t, http.StatusOK, rec.Code)
			require.JSONEq(t, `{"ok":true}`, rec.Body.String())
		}

		rec := do(h, http.MethodPost, "/caramelo/chat", `{"email":"attacker@evil.com","message":"olá"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, 0, llm.calls)
	})
}
