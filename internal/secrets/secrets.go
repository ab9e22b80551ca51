// Package secrets resolves the Gemini API key. Sources are consulted on every
// request so that a key added to the environment later is picked up without a
// restart.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"portfolio-chat/internal/integrations/paramstore"
)

// ErrNotConfigured means no source holds a key.
var ErrNotConfigured = errors.New("secrets: api key not configured")

// Source yields the API key or an error wrapping ErrNotConfigured.
type Source interface {
	APIKey(ctx context.Context) (string, error)
}

// Getter reads a parameter value by name.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Env reads the key from an environment variable at call time.
type Env struct {
	Name string

	lookup func(string) string
}

func NewEnv(name string) *Env {
	return &Env{Name: name, lookup: os.Getenv}
}

func (e *Env) APIKey(_ context.Context) (string, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	key := strings.TrimSpace(lookup(e.Name))
	if key == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotConfigured, e.Name)
	}
	return key, nil
}

// tokenPayload is the JSON shape some deployments store in SSM.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamStore reads the key from an SSM parameter. A successful lookup is
// cached for the process lifetime; failures are not, so a later request
// retries.
type ParamStore struct {
	getter Getter
	name   string

	group singleflight.Group

	mu  sync.RWMutex
	key string
}

func NewParamStore(getter Getter, name string) (*ParamStore, error) {
	if getter == nil {
		return nil, errors.New("secrets: paramstore getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("secrets: parameter name must not be empty")
	}
	return &ParamStore{getter: getter, name: name}, nil
}

// APIKey returns the cached key or fetches it. Concurrent misses share one
// GetParameter call, made with the context of the caller that started it.
func (p *ParamStore) APIKey(ctx context.Context) (string, error) {
	if key := p.cached(); key != "" {
		return key, nil
	}

	v, err, _ := p.group.Do(p.name, func() (any, error) {
		if key := p.cached(); key != "" {
			return key, nil
		}
		key, err := p.fetch(ctx)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.key = key
		p.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *ParamStore) cached() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.key
}

func (p *ParamStore) fetch(ctx context.Context) (string, error) {
	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		if errors.Is(err, paramstore.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return "", fmt.Errorf("secrets: fetch api key: %w", err)
	}
	return parseKey(raw)
}

// parseKey accepts either the bare key or {"token":"<key>"}.
func parseKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("secrets: unmarshal parameter value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", fmt.Errorf("%w: parameter value is empty", ErrNotConfigured)
	}
	return raw, nil
}

// Chain tries each source in order and returns the first key found. Errors
// other than ErrNotConfigured stop the chain.
type Chain []Source

func (c Chain) APIKey(ctx context.Context) (string, error) {
	for _, s := range c {
		key, err := s.APIKey(ctx)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrNotConfigured) {
			return "", err
		}
	}
	return "", ErrNotConfigured
}
