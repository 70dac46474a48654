package openai

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"caramelo-gateway/internal/domain"
)

const fallbackEncoding = "cl100k_base"

var offlineBPE sync.Once

// TokenCounter estimates prompt size with the model's BPE encoding.
// Encodings are loaded lazily from the ranks embedded in the binary and
// cached per model.
type TokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	offlineBPE.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	return &TokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountTokens follows the chat format accounting: a fixed overhead per message
// plus the encoded role and content, plus the reply priming tokens.
func (t *TokenCounter) CountTokens(model string, messages []domain.ChatMessage) (int, error) {
	enc, err := t.encoding(model)
	if err != nil {
		return 0, err
	}
	const tokensPerMessage = 3
	total := 3
	for _, m := range messages {
		total += tokensPerMessage
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}

func (t *TokenCounter) encoding(model string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("openai: load encoding for %q: %w", model, err)
		}
	}
	t.encodings[model] = enc
	return enc, nil
}
