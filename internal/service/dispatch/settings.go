package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

// SettingsSource resolves the rate limit settings of a run. Operator rows in
// the settings table win over the configured fallback.
type SettingsSource struct {
	repo     repository.SettingsRepository
	fallback domain.RateLimitSettings
	logger   *zap.Logger
}

// NewSettingsSource builds a settings source. repo may be nil.
func NewSettingsSource(repo repository.SettingsRepository, fallback domain.RateLimitSettings, logger *zap.Logger) *SettingsSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsSource{repo: repo, fallback: fallback, logger: logger}
}

// Load never fails: a missing or unreadable row yields the fallback.
func (s *SettingsSource) Load(ctx context.Context) domain.RateLimitSettings {
	if s.repo == nil {
		return s.fallback
	}
	settings, err := s.repo.RateLimits(ctx)
	switch {
	case err == nil && settings != nil:
		return *settings
	case errors.Is(err, repository.ErrNotFound):
		s.logger.Debug("dispatch settings: no row configured, using defaults")
	default:
		s.logger.Warn("dispatch settings: load failed, using defaults", zap.Error(err))
	}
	return s.fallback
}
