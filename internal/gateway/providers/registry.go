package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/models"
)

// CatalogStore is the read side of the provider/model catalog.
type CatalogStore interface {
	GetModel(ctx context.Context, name string) (*models.Model, error)
	GetProvider(ctx context.Context, name string) (*models.Provider, error)
}

// Route is a model together with the provider that serves it.
type Route struct {
	Model    *models.Model
	Provider *models.Provider
}

// Registry resolves models to their providers and fallback chains. It reads
// the store on every call, so each fallback attempt sees current config.
type Registry struct {
	store CatalogStore
}

// NewRegistry creates a Registry over store.
func NewRegistry(store CatalogStore) *Registry {
	return &Registry{store: store}
}

// GetModel returns the named model.
func (r *Registry) GetModel(ctx context.Context, name string) (*models.Model, error) {
	m, err := r.store.GetModel(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotConfigured, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", name, err)
	}
	return m, nil
}

// GetProvider returns the named provider.
func (r *Registry) GetProvider(ctx context.Context, name string) (*models.Provider, error) {
	p, err := r.store.GetProvider(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load provider %s: %w", name, err)
	}
	return p, nil
}

// Resolve looks up model and then its provider.
func (r *Registry) Resolve(ctx context.Context, model string) (*Route, error) {
	m, err := r.GetModel(ctx, model)
	if err != nil {
		return nil, err
	}
	p, err := r.GetProvider(ctx, m.Provider)
	if err != nil {
		return nil, err
	}
	return &Route{Model: m, Provider: p}, nil
}

// ResolveCredential picks the caller's decrypted credential for provider.
// Only models.SupportedProviders are accepted; an unset credential is "".
func ResolveCredential(creds map[string]string, provider string) (string, error) {
	if !models.IsSupportedProvider(provider) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return creds[provider], nil
}
