package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// KeySource resolves the provider API key.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a key taken from process configuration.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return key, nil
}

type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ParamStoreKey fetches the key from Parameter Store on first use and caches it.
// A failed fetch is not cached, so the next request retries.
type ParamStoreKey struct {
	getter SecretGetter
	name   string

	mu  sync.Mutex
	key string
}

func NewParamStoreKey(getter SecretGetter, name string) (*ParamStoreKey, error) {
	if getter == nil {
		return nil, errors.New("openai: secret getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("openai: key parameter name must not be empty")
	}
	return &ParamStoreKey{getter: getter, name: name}, nil
}

func (k *ParamStoreKey) APIKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != "" {
		return k.key, nil
	}
	key, err := k.getter.GetSecret(ctx, k.name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMissingAPIKey, err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingAPIKey
	}
	k.key = key
	return key, nil
}
