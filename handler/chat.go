package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"caramelo-gateway/internal/domain"
	"caramelo-gateway/internal/usecase"
)

const (
	msgGenericFailure   = "Erro ao processar a resposta do Caramelo."
	msgMissingAPIKey    = "OPENAI_API_KEY não configurada no servidor."
	msgForbidden        = "Acesso não autorizado para este e-mail."
	msgRateLimited      = "Muitas mensagens em pouco tempo. Aguarde um instante e tente novamente."
	msgInvalidBody      = "Corpo da requisição inválido."
	msgMissingMessage   = "Mensagem é obrigatória."
	msgMissingID        = "E-mail ou identificador é obrigatório."
	msgMessageTooLong   = "Mensagem muito longa."
	msgInvalidHistory   = "Histórico de conversa inválido."
	msgInvalidInputBase = "Requisição inválida."
)

type chatRequest struct {
	Email      string               `json:"email"`
	Identifier string               `json:"identifier"`
	Message    string               `json:"message"`
	History    []domain.ChatMessage `json:"history"`
}

// chatResponse carries the text under both keys read by existing front-ends.
type chatResponse struct {
	Reply  string `json:"reply"`
	Answer string `json:"answer"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) carameloChat(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log(c).InfoContext(c.Request.Context(), "chat request body rejected", "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: msgInvalidBody})
		return
	}

	id := req.Identifier
	if strings.TrimSpace(id) == "" {
		id = req.Email
	}
	out, err := h.chat.Chat(c.Request.Context(), usecase.ChatInput{
		Identifier: id,
		Message:    req.Message,
		History:    req.History,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{Reply: out.Reply, Answer: out.Reply})
}

// writeError maps a use case failure to a status and a client-safe body.
// The underlying cause only reaches the logs.
func (h *Handler) writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	logger := h.log(c)

	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.ErrorContext(ctx, "chat failed", "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: msgGenericFailure})
		return
	}

	status, message := statusFor(ue)
	if status >= http.StatusInternalServerError {
		msg := "chat failed"
		if ue.Code == usecase.ErrorConfiguration {
			msg = "chat configuration error"
		}
		logger.ErrorContext(ctx, msg, "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		logger.InfoContext(ctx, "chat rejected", "code", ue.Code, "reason", ue.Reason)
	}
	c.JSON(status, errorResponse{Error: string(ue.Code), Message: message})
}

func statusFor(ue *usecase.Error) (int, string) {
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, invalidInputMessage(ue.Reason)
	case usecase.ErrorForbidden:
		return http.StatusForbidden, msgForbidden
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, msgRateLimited
	case usecase.ErrorConfiguration:
		return http.StatusInternalServerError, msgMissingAPIKey
	default:
		return http.StatusInternalServerError, msgGenericFailure
	}
}

func invalidInputMessage(reason string) string {
	switch reason {
	case "missing_message":
		return msgMissingMessage
	case "missing_identifier":
		return msgMissingID
	case "message_too_long":
		return msgMessageTooLong
	case "invalid_history":
		return msgInvalidHistory
	default:
		return msgInvalidInputBase
	}
}
