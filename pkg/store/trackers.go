package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetTrackerByCode resolves a /start deep-link payload to a tracker.
func (s *Store) GetTrackerByCode(ctx context.Context, botID int64, code string) (*Tracker, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var t Tracker
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, code, name, is_active FROM trackers
		WHERE bot_id = $1 AND code = $2 AND is_active`,
		botID, code).Scan(&t.ID, &t.BotID, &t.Code, &t.Name, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading tracker: %w", err)
	}
	return &t, nil
}

// ErrDuplicateCode is returned when a tracker code already exists on
// the bot.
var ErrDuplicateCode = errors.New("tracker code already exists")

// CreateTracker registers a deep-link code for a bot.
func (s *Store) CreateTracker(ctx context.Context, botID int64, code, name string) (*Tracker, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var t Tracker
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trackers (bot_id, code, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, code) DO NOTHING
		RETURNING id, bot_id, code, name, is_active`,
		botID, code, name).Scan(&t.ID, &t.BotID, &t.Code, &t.Name, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateCode
	}
	if err != nil {
		return nil, fmt.Errorf("creating tracker: %w", err)
	}
	return &t, nil
}

// ListTrackers returns the bot's trackers, newest first.
func (s *Store) ListTrackers(ctx context.Context, botID int64) ([]*Tracker, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, code, name, is_active FROM trackers
		WHERE bot_id = $1 ORDER BY id DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("listing trackers: %w", err)
	}
	defer rows.Close()
	var trackers []*Tracker
	for rows.Next() {
		var t Tracker
		if err := rows.Scan(&t.ID, &t.BotID, &t.Code, &t.Name, &t.IsActive); err != nil {
			return nil, fmt.Errorf("scanning tracker: %w", err)
		}
		trackers = append(trackers, &t)
	}
	return trackers, rows.Err()
}

// Attribute binds a user to a tracker, first writer wins. The bool says
// whether this call created the attribution.
func (s *Store) Attribute(ctx context.Context, botID, userTG, trackerID int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_attributions (bot_id, user_telegram_id, tracker_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, user_telegram_id) DO NOTHING`,
		botID, userTG, trackerID)
	if err != nil {
		return false, fmt.Errorf("attributing user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AttributionFor returns the tracker id a user was attributed to, if any.
func (s *Store) AttributionFor(ctx context.Context, botID, userTG int64) (*int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var trackerID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tracker_id FROM tracker_attributions
		WHERE bot_id = $1 AND user_telegram_id = $2`,
		botID, userTG).Scan(&trackerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading attribution: %w", err)
	}
	return &trackerID, nil
}

// IncrStarts bumps the daily start counter for a tracker.
func (s *Store) IncrStarts(ctx context.Context, botID, trackerID int64, day time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_daily_stats (bot_id, tracker_id, day, starts)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (bot_id, tracker_id, day)
		DO UPDATE SET starts = tracker_daily_stats.starts + 1`,
		botID, trackerID, day.Format("2006-01-02"))
	return err
}

// IncrSales bumps the daily sale counter and revenue for a tracker.
func (s *Store) IncrSales(ctx context.Context, botID, trackerID int64, day time.Time, revenueCents int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_daily_stats (bot_id, tracker_id, day, sales, revenue_cents)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (bot_id, tracker_id, day)
		DO UPDATE SET sales = tracker_daily_stats.sales + 1,
			revenue_cents = tracker_daily_stats.revenue_cents + EXCLUDED.revenue_cents`,
		botID, trackerID, day.Format("2006-01-02"), revenueCents)
	return err
}

// TrackerStatsSince aggregates per-tracker totals from the cutoff day
// on. Day carries the cutoff in the returned rows.
func (s *Store) TrackerStatsSince(ctx context.Context, botID int64, since time.Time) (map[int64]*TrackerDailyStat, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracker_id, COALESCE(SUM(starts), 0), COALESCE(SUM(sales), 0), COALESCE(SUM(revenue_cents), 0)
		FROM tracker_daily_stats
		WHERE bot_id = $1 AND day >= $2
		GROUP BY tracker_id`,
		botID, since.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("aggregating tracker stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[int64]*TrackerDailyStat)
	for rows.Next() {
		st := TrackerDailyStat{BotID: botID, Day: since}
		if err := rows.Scan(&st.TrackerID, &st.Starts, &st.Sales, &st.RevenueCents); err != nil {
			return nil, fmt.Errorf("scanning tracker stats: %w", err)
		}
		stats[st.TrackerID] = &st
	}
	return stats, rows.Err()
}

// GetTrackingConfig returns the bot's forced-tracking switch; a missing
// row means tracking is optional.
func (s *Store) GetTrackingConfig(ctx context.Context, botID int64) (*TrackingConfig, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var c TrackingConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, require_tracked_start, last_forced_at
		FROM bot_tracking_configs WHERE bot_id = $1`, botID).
		Scan(&c.BotID, &c.RequireTrackedStart, &c.LastForcedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &TrackingConfig{BotID: botID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading tracking config: %w", err)
	}
	return &c, nil
}

// SetRequireTrackedStart flips forced tracking for a bot.
func (s *Store) SetRequireTrackedStart(ctx context.Context, botID int64, required bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_tracking_configs (bot_id, require_tracked_start, last_forced_at)
		VALUES ($1, $2, CASE WHEN $2 THEN now() END)
		ON CONFLICT (bot_id) DO UPDATE SET
			require_tracked_start = EXCLUDED.require_tracked_start,
			last_forced_at = CASE WHEN EXCLUDED.require_tracked_start THEN now()
				ELSE bot_tracking_configs.last_forced_at END`,
		botID, required)
	return err
}
