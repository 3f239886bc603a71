package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stitchfield/api/internal/platform/config"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Pricing services.PricingEngine
	Refunds services.RefundCalculator
	Orders  services.OrderService
	Reviews services.ReviewService
	System  services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container assembly.
type Option func(*containerOptions)

type containerOptions struct {
	orderEvents  services.OrderEventPublisher
	reviewEvents services.ReviewEventPublisher
	logger       *zap.Logger
	clock        func() time.Time
}

// WithOrderEventPublisher attaches the order lifecycle event sink.
func WithOrderEventPublisher(pub services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.orderEvents = pub
	}
}

// WithReviewEventPublisher attaches the review lifecycle event sink.
func WithReviewEventPublisher(pub services.ReviewEventPublisher) Option {
	return func(o *containerOptions) {
		o.reviewEvents = pub
	}
}

// WithLogger supplies the logger used for service-level structured events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock shared by all services, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides a
// Firestore-backed registry; tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(cfg, reg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, options containerOptions) (Services, error) {
	var svc Services

	catalogRepo := reg.Catalog()
	if catalogRepo == nil {
		return Services{}, errors.New("catalog repository is required")
	}

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Catalog: catalogRepo.GetBasePrice,
		Rates:   cfg.Pricing.Material.RateTable(),
		Logger:  zapEventLogger(options.logger.Named("pricing")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	refunds, err := services.NewRefundCalculator(services.RefundCalculatorDeps{
		Pricing: pricing,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build refund calculator: %w", err)
	}
	svc.Refunds = refunds

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Catalog:    catalogRepo,
		Counters:   reg.Counters(),
		Pricing:    pricing,
		Refunds:    refunds,
		UnitOfWork: reg,
		Clock:      options.clock,
		Events:     options.orderEvents,
		Logger:     zapEventLogger(options.logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	reviews, err := services.NewReviewService(services.ReviewServiceDeps{
		Reviews: reg.Reviews(),
		Orders:  reg.Orders(),
		Clock:   options.clock,
		Events:  options.reviewEvents,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build review service: %w", err)
	}
	svc.Reviews = reviews

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            options.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// zapEventLogger adapts a zap logger onto the event-callback contract the
// service layer uses for structured domain events.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}
