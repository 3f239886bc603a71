package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	orders   *OrderRepository
	catalog  *CatalogRepository
	reviews  *ReviewRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

// NewRegistry wires every repository against the shared provider. The health
// repository is supplied by the caller so its probe set can cover non-Firestore
// dependencies too.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	if health == nil {
		return nil, errors.New("registry requires health repository")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	reviews, err := NewReviewRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	return &Registry{
		provider: provider,
		orders:   orders,
		catalog:  catalog,
		reviews:  reviews,
		counters: counters,
		health:   health,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Catalog returns the catalog repository.
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

// Reviews returns the review repository.
func (r *Registry) Reviews() repositories.ReviewRepository { return r.reviews }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn as one unit. Individual repository mutations already
// run their own Firestore transactions, so this simply scopes the callback.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}
