package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/memberpos/internal/cache"
	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/metrics"
	"kasirinaja/memberpos/internal/settlement"
	"kasirinaja/memberpos/internal/store"
	"kasirinaja/memberpos/internal/xid"
)

const (
	cacheKeyPlans           = "memberships:plans"
	cacheKeyBenefits        = "memberships:benefits"
	cacheKeyBillingSettings = "memberships:billing-settings"
	cacheKeyDashboard       = "memberships:dashboard"
)

// ErrBillingRunInProgress is returned when a billing run is requested while
// another one is still executing in this process.
var ErrBillingRunInProgress = errors.New("billing run already in progress")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// LoyaltyPolicy converts between loyalty points and money.
type LoyaltyPolicy struct {
	PointValueCents       int64
	MinimumPointsToRedeem int64
	PointsPerDollar       int64
}

type Options struct {
	DefaultStoreID string
	TaxRatePercent decimal.Decimal
	Loyalty        LoyaltyPolicy
	CacheTTL       time.Duration
	Now            func() time.Time
}

type Service struct {
	repo       store.Repository
	calculator *settlement.Calculator
	cache      cache.Cache
	metrics    *metrics.Registry
	logger     *zap.Logger

	defaultStoreID string
	taxRate        decimal.Decimal
	loyalty        LoyaltyPolicy
	cacheTTL       time.Duration
	now            func() time.Time

	billingMu sync.Mutex
}

func New(repo store.Repository, calculator *settlement.Calculator, c cache.Cache, m *metrics.Registry, logger *zap.Logger, opts Options) *Service {
	if calculator == nil {
		calculator = settlement.NewCalculator(settlement.TaxAdditive)
	}
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Loyalty.PointValueCents < 1 {
		opts.Loyalty.PointValueCents = 1
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:           repo,
		calculator:     calculator,
		cache:          c,
		metrics:        m,
		logger:         logger.Named("service"),
		defaultStoreID: opts.DefaultStoreID,
		taxRate:        opts.TaxRatePercent,
		loyalty:        opts.Loyalty,
		cacheTTL:       opts.CacheTTL,
		now:            func() time.Time { return opts.Now().UTC() },
	}
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// cached serves key from the cache, falling back to load and storing its
// result. Cache failures are logged and never fail the request.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var value T
	hit, err := s.cache.Get(ctx, key, &value)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}
	if hit {
		return value, nil
	}

	value, err = load(ctx)
	if err != nil {
		return value, err
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func parseDate(raw string, field string) (time.Time, error) {
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, invalid("%s must be YYYY-MM-DD", field)
	}
	return parsed.UTC(), nil
}
