package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gogpt "github.com/sashabaranov/go-openai"

	"caramelo-gateway/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

var (
	// ErrMissingAPIKey reports that no credential is available for the provider.
	ErrMissingAPIKey = errors.New("openai: api key is not configured")
	// ErrEmptyCompletion reports a successful response that carries no text.
	ErrEmptyCompletion = errors.New("openai: completion has no text")
)

// responsesRequest is the minimal request shape for the Responses endpoint,
// used when a vector store is attached for document retrieval.
type responsesRequest struct {
	Model string               `json:"model"`
	Input []domain.ChatMessage `json:"input"`
	Tools []fileSearchTool     `json:"tools,omitempty"`
}

type fileSearchTool struct {
	Type           string   `json:"type"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}

// responsesResponse is the minimal response shape returned by the Responses endpoint.
type responsesResponse struct {
	ID         string `json:"id"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client for chat replies.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	keys          KeySource
	vectorStoreID string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVectorStore attaches a file_search tool bound to the given vector store
// to every request. Requests then go through the Responses endpoint.
func WithVectorStore(id string) Option {
	return func(c *Client) {
		c.vectorStoreID = strings.TrimSpace(id)
	}
}

// NewClient creates a Client that resolves its API key from keys on every call,
// so a missing credential surfaces on first use instead of at startup.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// apiBase normalizes baseURL so it always ends in /v1.
func apiBase(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func chatURL(baseURL string) string {
	return apiBase(baseURL) + "/chat/completions"
}

func responsesURL(baseURL string) string {
	return apiBase(baseURL) + "/responses"
}

// Complete sends the conversation to the provider and returns the reply text.
func (c *Client) Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("openai: model must not be empty")
	}

	apiKey, err := c.keys.APIKey(ctx)
	if err != nil {
		return "", err
	}

	if c.vectorStoreID != "" {
		return c.respond(ctx, apiKey, model, messages)
	}
	return c.chat(ctx, apiKey, model, messages)
}

func (c *Client) chat(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (string, error) {
	cfg := gogpt.DefaultConfig(apiKey)
	cfg.BaseURL = apiBase(c.baseURL)
	cfg.HTTPClient = c.resolvedHTTPClient()

	req := gogpt.ChatCompletionRequest{
		Model:    model,
		Messages: make([]gogpt.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, gogpt.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := gogpt.NewClientWithConfig(cfg).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", statusError(err, chatURL(c.baseURL)))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) respond(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (string, error) {
	body, err := json.Marshal(responsesRequest{
		Model: model,
		Input: messages,
		Tools: []fileSearchTool{{Type: "file_search", VectorStoreIDs: []string{c.vectorStoreID}}},
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := responsesURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload responsesResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	text := payload.text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (r responsesResponse) text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	var sb strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	return sb.String()
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// statusError converts go-openai's error types into HTTPStatusError so callers
// see one status-aware error regardless of endpoint.
func statusError(err error, url string) error {
	var apiErr *gogpt.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: url, Body: apiErr.Message, Err: err}
	}
	var reqErr *gogpt.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, URL: url, Body: reqErr.Error(), Err: err}
	}
	return err
}
