package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"caramelo-gateway/internal/domain"
	"caramelo-gateway/internal/integrations/openai"
)

const (
	defaultMaxMessageLength = 4000
	defaultMaxHistoryTurns  = 20
)

type Completer interface {
	Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type EntitlementReader interface {
	Get(ctx context.Context, identifier string) (domain.Entitlement, bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type TokenCounter interface {
	CountTokens(model string, messages []domain.ChatMessage) (int, error)
}

// ChatConfig holds the data that shapes every conversation.
type ChatConfig struct {
	Model            string
	Persona          string
	FallbackReply    string
	MaxMessageLength int
	MaxHistoryTurns  int
	// MaxPromptTokens enables history trimming when positive.
	MaxPromptTokens int
}

type ChatService struct {
	llm     Completer
	store   EntitlementReader
	limiter RateLimiter
	tokens  TokenCounter
	cfg     ChatConfig
	logger  *slog.Logger
}

type ChatOption func(*ChatService)

func WithRateLimiter(l RateLimiter) ChatOption {
	return func(s *ChatService) { s.limiter = l }
}

func WithTokenCounter(t TokenCounter) ChatOption {
	return func(s *ChatService) { s.tokens = t }
}

func WithChatLogger(l *slog.Logger) ChatOption {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

type ChatInput struct {
	Identifier string
	Message    string
	History    []domain.ChatMessage
}

type ChatOutput struct {
	Reply string
	// Fallback is set when the provider returned no text and Reply is the
	// configured fallback sentence.
	Fallback bool
}

func NewChatService(llm Completer, store EntitlementReader, cfg ChatConfig, opts ...ChatOption) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: entitlement store must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	if strings.TrimSpace(cfg.Persona) == "" {
		return nil, errors.New("usecase: persona must not be empty")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	s := &ChatService{llm: llm, store: store, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	id := domain.NormalizeIdentifier(in.Identifier)
	if id == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_identifier", nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := validateHistory(in.History); err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_history", err)
	}

	ent, found, err := s.store.Get(ctx, id)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "entitlement_lookup_error", err)
	}
	if !found || !ent.Active() {
		return ChatOutput{}, newError(ErrorForbidden, "not_entitled", nil)
	}

	// Only entitled identifiers consume quota.
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "rate limiter unavailable, allowing request", "err", err)
		} else if !allowed {
			return ChatOutput{}, newError(ErrorRateLimited, "rate_limited", nil)
		}
	}

	messages := buildConversation(s.cfg.Persona, in.History, message, s.cfg.MaxHistoryTurns)
	if s.tokens != nil && s.cfg.MaxPromptTokens > 0 {
		trimmed, err := trimToBudget(s.tokens, s.cfg.Model, messages, s.cfg.MaxPromptTokens)
		if err != nil {
			s.logger.WarnContext(ctx, "token count failed, sending untrimmed conversation", "err", err)
		} else {
			messages = trimmed
		}
	}

	reply, err := s.llm.Complete(ctx, s.cfg.Model, messages)
	switch {
	case err == nil:
		return ChatOutput{Reply: reply}, nil
	case errors.Is(err, openai.ErrEmptyCompletion):
		s.logger.WarnContext(ctx, "completion carried no text, using fallback reply", "model", s.cfg.Model)
		return ChatOutput{Reply: s.cfg.FallbackReply, Fallback: true}, nil
	case errors.Is(err, openai.ErrMissingAPIKey):
		return ChatOutput{}, newError(ErrorConfiguration, "missing_api_key", err)
	default:
		return ChatOutput{}, newError(ErrorUpstream, "completion_error", err)
	}
}

func validateHistory(history []domain.ChatMessage) error {
	for i, m := range history {
		if !domain.IsHistoryRole(m.Role) {
			return fmt.Errorf("history[%d]: role %q not allowed", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("history[%d]: empty content", i)
		}
	}
	return nil
}
