package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

// DispatchStatsRepository implements repository.DispatchStatsRepository.
type DispatchStatsRepository struct {
	db *sqlx.DB
}

// NewDispatchStatsRepository builds the repository.
func NewDispatchStatsRepository(db *sqlx.DB) *DispatchStatsRepository {
	return &DispatchStatsRepository{db: db}
}

// Increment applies counter deltas atomically, creating the day row on demand.
func (r *DispatchStatsRepository) Increment(ctx context.Context, day time.Time, delta repository.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO dispatch_daily_stats (day, queued, sent, failed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (day) DO UPDATE SET
			queued = dispatch_daily_stats.queued + EXCLUDED.queued,
			sent = dispatch_daily_stats.sent + EXCLUDED.sent,
			failed = dispatch_daily_stats.failed + EXCLUDED.failed,
			updated_at = NOW()`,
		dayOf(day), delta.Queued, delta.Sent, delta.Failed,
	)
	if err != nil {
		return fmt.Errorf("dispatch stats: increment: %w", err)
	}
	return nil
}

// Get retrieves the counters of one day.
func (r *DispatchStatsRepository) Get(ctx context.Context, day time.Time) (*domain.DailyStats, error) {
	var stats domain.DailyStats
	err := r.db.GetContext(ctx, &stats, `SELECT day, queued, sent, failed FROM dispatch_daily_stats WHERE day = $1`, dayOf(day))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dispatch stats: get: %w", err)
	}
	return &stats, nil
}

// ListRange returns the days between from and to inclusive.
func (r *DispatchStatsRepository) ListRange(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error) {
	var out []domain.DailyStats
	err := r.db.SelectContext(ctx, &out, `SELECT day, queued, sent, failed FROM dispatch_daily_stats
		WHERE day BETWEEN $1 AND $2 ORDER BY day ASC`, dayOf(from), dayOf(to))
	if err != nil {
		return nil, fmt.Errorf("dispatch stats: list range: %w", err)
	}
	return out, nil
}

// SettingsRepository reads the operator-managed dispatch settings row.
type SettingsRepository struct {
	db *sqlx.DB
}

// NewSettingsRepository builds the repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

type settingsRecord struct {
	MinDelayMs         int64   `db:"min_delay_ms"`
	MaxDelayMs         int64   `db:"max_delay_ms"`
	JitterMs           int64   `db:"jitter_ms"`
	PerMinute          int     `db:"per_minute"`
	PerHour            int     `db:"per_hour"`
	WindowStart        int     `db:"window_start_minute"`
	WindowEnd          int     `db:"window_end_minute"`
	TimeZone           string  `db:"time_zone"`
	EnforceWindow      bool    `db:"enforce_window"`
	QueueOutsideWindow bool    `db:"queue_outside_window"`
	RetryBaseDelayMs   int64   `db:"retry_base_delay_ms"`
	RetryMultiplier    float64 `db:"retry_multiplier"`
	RetryMaxDelayMs    int64   `db:"retry_max_delay_ms"`
	MediaDelayMs       int64   `db:"media_delay_ms"`
}

// RateLimits loads the settings row.
func (r *SettingsRepository) RateLimits(ctx context.Context) (*domain.RateLimitSettings, error) {
	var rec settingsRecord
	err := r.db.GetContext(ctx, &rec, `SELECT min_delay_ms, max_delay_ms, jitter_ms, per_minute, per_hour,
		window_start_minute, window_end_minute, time_zone, enforce_window, queue_outside_window,
		retry_base_delay_ms, retry_multiplier, retry_max_delay_ms, media_delay_ms
		FROM dispatch_settings WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dispatch settings: get: %w", err)
	}
	return &domain.RateLimitSettings{
		MinDelay:           msDuration(rec.MinDelayMs),
		MaxDelay:           msDuration(rec.MaxDelayMs),
		Jitter:             msDuration(rec.JitterMs),
		PerMinute:          rec.PerMinute,
		PerHour:            rec.PerHour,
		WindowStart:        rec.WindowStart,
		WindowEnd:          rec.WindowEnd,
		TimeZone:           rec.TimeZone,
		EnforceWindow:      rec.EnforceWindow,
		QueueOutsideWindow: rec.QueueOutsideWindow,
		RetryBaseDelay:     msDuration(rec.RetryBaseDelayMs),
		RetryMultiplier:    rec.RetryMultiplier,
		RetryMaxDelay:      msDuration(rec.RetryMaxDelayMs),
		MediaDelay:         msDuration(rec.MediaDelayMs),
	}, nil
}
