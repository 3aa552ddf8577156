package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetRecoveryCampaign fetches the bot's campaign, active or not.
func (s *Store) GetRecoveryCampaign(ctx context.Context, botID int64) (*RecoveryCampaign, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var c RecoveryCampaign
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, inactivity_threshold_seconds, timezone, skip_paid_users, is_active, version
		FROM recovery_campaigns WHERE bot_id = $1`, botID).
		Scan(&c.ID, &c.BotID, &c.InactivityThresholdSeconds, &c.Timezone,
			&c.SkipPaidUsers, &c.IsActive, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading recovery campaign: %w", err)
	}
	return &c, nil
}

// ListActiveCampaigns returns every active campaign for the watchdog sweep.
func (s *Store) ListActiveCampaigns(ctx context.Context) ([]*RecoveryCampaign, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, inactivity_threshold_seconds, timezone, skip_paid_users, is_active, version
		FROM recovery_campaigns WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()
	var campaigns []*RecoveryCampaign
	for rows.Next() {
		var c RecoveryCampaign
		if err := rows.Scan(&c.ID, &c.BotID, &c.InactivityThresholdSeconds, &c.Timezone,
			&c.SkipPaidUsers, &c.IsActive, &c.Version); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, &c)
	}
	return campaigns, rows.Err()
}

// UpsertRecoveryCampaign creates or reconfigures the bot's campaign. Any
// change bumps the version so in-flight episodes detect staleness.
func (s *Store) UpsertRecoveryCampaign(ctx context.Context, c *RecoveryCampaign) (*RecoveryCampaign, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var out RecoveryCampaign
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO recovery_campaigns
			(bot_id, inactivity_threshold_seconds, timezone, skip_paid_users, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bot_id) DO UPDATE SET
			inactivity_threshold_seconds = EXCLUDED.inactivity_threshold_seconds,
			timezone = EXCLUDED.timezone,
			skip_paid_users = EXCLUDED.skip_paid_users,
			is_active = EXCLUDED.is_active,
			version = recovery_campaigns.version + 1
		RETURNING id, bot_id, inactivity_threshold_seconds, timezone, skip_paid_users, is_active, version`,
		c.BotID, c.InactivityThresholdSeconds, c.Timezone, c.SkipPaidUsers, c.IsActive).
		Scan(&out.ID, &out.BotID, &out.InactivityThresholdSeconds, &out.Timezone,
			&out.SkipPaidUsers, &out.IsActive, &out.Version)
	if err != nil {
		return nil, fmt.Errorf("upserting recovery campaign: %w", err)
	}
	return &out, nil
}

// ListRecoverySteps returns the campaign's active steps in order.
func (s *Store) ListRecoverySteps(ctx context.Context, campaignID int64) ([]*RecoveryStep, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, ordinal, schedule_kind, schedule_value, is_active
		FROM recovery_steps WHERE campaign_id = $1 AND is_active ORDER BY ordinal`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("listing recovery steps: %w", err)
	}
	defer rows.Close()
	var steps []*RecoveryStep
	for rows.Next() {
		var st RecoveryStep
		if err := rows.Scan(&st.ID, &st.CampaignID, &st.Ordinal,
			&st.ScheduleKind, &st.ScheduleValue, &st.IsActive); err != nil {
			return nil, err
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// UpsertRecoveryStep creates or replaces one ordinal of the campaign.
func (s *Store) UpsertRecoveryStep(ctx context.Context, st *RecoveryStep) (*RecoveryStep, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var out RecoveryStep
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO recovery_steps (campaign_id, ordinal, schedule_kind, schedule_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id, ordinal) DO UPDATE SET
			schedule_kind = EXCLUDED.schedule_kind,
			schedule_value = EXCLUDED.schedule_value,
			is_active = TRUE
		RETURNING id, campaign_id, ordinal, schedule_kind, schedule_value, is_active`,
		st.CampaignID, st.Ordinal, st.ScheduleKind, st.ScheduleValue).
		Scan(&out.ID, &out.CampaignID, &out.Ordinal, &out.ScheduleKind, &out.ScheduleValue, &out.IsActive)
	if err != nil {
		return nil, fmt.Errorf("upserting recovery step: %w", err)
	}
	return &out, nil
}

// EnsureRecoveryDelivery inserts one scheduled step of an episode. It
// returns false when the row already exists, making episode planning
// idempotent across concurrent watchdogs.
func (s *Store) EnsureRecoveryDelivery(ctx context.Context, d *RecoveryDelivery) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_deliveries
			(bot_id, user_id, campaign_id, step_id, episode_id, version_snapshot, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (bot_id, user_id, step_id, episode_id) DO NOTHING`,
		d.BotID, d.UserID, d.CampaignID, d.StepID, d.EpisodeID,
		d.VersionSnapshot, RecoveryScheduled, d.ScheduledFor)
	if err != nil {
		return false, fmt.Errorf("planning recovery delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueRecoveryDeliveries returns scheduled deliveries ready to send.
func (s *Store) DueRecoveryDeliveries(ctx context.Context, now time.Time, limit int) ([]*RecoveryDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, user_id, campaign_id, step_id, episode_id, version_snapshot, status, scheduled_for, sent_at
		FROM recovery_deliveries
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for LIMIT $3`,
		RecoveryScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due recoveries: %w", err)
	}
	defer rows.Close()
	var due []*RecoveryDelivery
	for rows.Next() {
		var d RecoveryDelivery
		if err := rows.Scan(&d.ID, &d.BotID, &d.UserID, &d.CampaignID, &d.StepID,
			&d.EpisodeID, &d.VersionSnapshot, &d.Status, &d.ScheduledFor, &d.SentAt); err != nil {
			return nil, err
		}
		due = append(due, &d)
	}
	return due, rows.Err()
}

// GetRecoveryDeliveryByID fetches one delivery row.
func (s *Store) GetRecoveryDeliveryByID(ctx context.Context, id int64) (*RecoveryDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var d RecoveryDelivery
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, user_id, campaign_id, step_id, episode_id, version_snapshot, status, scheduled_for, sent_at
		FROM recovery_deliveries WHERE id = $1`, id).
		Scan(&d.ID, &d.BotID, &d.UserID, &d.CampaignID, &d.StepID,
			&d.EpisodeID, &d.VersionSnapshot, &d.Status, &d.ScheduledFor, &d.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading recovery delivery: %w", err)
	}
	return &d, nil
}

// ClaimRecoveryDelivery marks a delivery sent or skipped exactly once.
// False means another worker got there first.
func (s *Store) ClaimRecoveryDelivery(ctx context.Context, id int64, status string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_deliveries SET status = $2, sent_at = now()
		WHERE id = $1 AND status = $3`,
		id, status, RecoveryScheduled)
	if err != nil {
		return false, fmt.Errorf("claiming recovery delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelEpisode skips every still-scheduled step of one episode, used when
// the user comes back or pays mid-episode.
func (s *Store) CancelEpisode(ctx context.Context, botID, userID int64, episodeID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_deliveries SET status = $4
		WHERE bot_id = $1 AND user_id = $2 AND episode_id = $3 AND status = $5`,
		botID, userID, episodeID, RecoverySkipped, RecoveryScheduled)
	return err
}
