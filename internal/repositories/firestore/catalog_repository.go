package firestore

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name      string `firestore:"name"`
	BasePrice int64  `firestore:"basePrice"`
	Published bool   `firestore:"published"`
}

// CatalogRepository reads product data from Firestore. The order path only
// ever consults it for base prices and display names.
type CatalogRepository struct {
	products *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &CatalogRepository{products: base}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// GetBasePrice returns the published base price for the product in minor units.
func (r *CatalogRepository) GetBasePrice(ctx context.Context, productRef string) (int64, error) {
	doc, err := r.get(ctx, productRef)
	if err != nil {
		return 0, err
	}
	return doc.BasePrice, nil
}

// GetProductName returns the catalog display name for the product.
func (r *CatalogRepository) GetProductName(ctx context.Context, productRef string) (string, error) {
	doc, err := r.get(ctx, productRef)
	if err != nil {
		return "", err
	}
	return doc.Name, nil
}

func (r *CatalogRepository) get(ctx context.Context, productRef string) (productDocument, error) {
	if r == nil || r.products == nil {
		return productDocument{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productRef)
	if id == "" {
		return productDocument{}, pfirestore.WrapError("products.get", status.Error(codes.InvalidArgument, "product ref is required"))
	}
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return productDocument{}, err
	}
	if !doc.Data.Published {
		return productDocument{}, pfirestore.WrapError("products.get", status.Errorf(codes.NotFound, "product %s is not published", id))
	}
	return doc.Data, nil
}
