package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kasirinaja/memberpos/internal/domain"
)

// BillingScheduler triggers a billing run on a fixed interval while the
// billing settings have auto billing enabled.
type BillingScheduler struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

func NewBillingScheduler(svc *Service, interval time.Duration, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{svc: svc, interval: interval, logger: logger.Named("billing-scheduler")}
}

// Run blocks until ctx is cancelled.
func (b *BillingScheduler) Run(ctx context.Context) {
	interval := b.interval
	if interval <= 0 {
		interval = time.Hour
	}
	b.logger.Info("billing scheduler started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("billing scheduler stopped")
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *BillingScheduler) tick(ctx context.Context) {
	settings, err := b.svc.GetBillingSettings(ctx)
	if err != nil {
		b.logger.Warn("load billing settings", zap.Error(err))
		return
	}
	if !settings.AutoBillingEnabled {
		return
	}

	runCtx := WithActor(ctx, domain.Actor{Username: "billing-scheduler", Role: "system"})
	if _, err := b.svc.RunBilling(runCtx, domain.BillingRunRequest{}); err != nil {
		if errors.Is(err, ErrBillingRunInProgress) {
			b.logger.Debug("billing run already in progress, skipping tick")
			return
		}
		b.logger.Error("scheduled billing run failed", zap.Error(err))
	}
}
