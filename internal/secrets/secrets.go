// Package secrets resolves named credentials from the environment or mounted
// secret files. Secret values are never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrSecretNotFound = errors.New("secret not found")

const DefaultDir = "/run/secrets"

// Provider returns the value of a named secret or ErrSecretNotFound.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvProvider reads UPPER_SNAKE environment variables, so "llm-api-key"
// resolves LLM_API_KEY.
type EnvProvider struct {
	Lookup func(string) (string, bool)
}

func (p EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := EnvName(name)
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// FileProvider reads one file per secret from Dir, trimming trailing
// whitespace.
type FileProvider struct {
	Dir string
}

func (p FileProvider) GetSecret(_ context.Context, name string) (string, error) {
	dir := strings.TrimSpace(p.Dir)
	if dir == "" {
		dir = DefaultDir
	}
	clean := filepath.Base(strings.TrimSpace(name))
	if clean == "." || clean == string(filepath.Separator) || clean == "" {
		return "", fmt.Errorf("%w: %q", ErrSecretNotFound, name)
	}
	body, err := os.ReadFile(filepath.Join(dir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSecretNotFound, name)
	}
	return value, nil
}

// Chain tries each provider in order. A provider error other than
// ErrSecretNotFound stops the search.
type Chain []Provider

func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	for _, provider := range c {
		if provider == nil {
			continue
		}
		value, err := provider.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Default looks in the environment first, then in dir.
func Default(dir string) Chain {
	return Chain{EnvProvider{}, FileProvider{Dir: dir}}
}

func EnvName(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return strings.ToUpper(replacer.Replace(name))
}
