package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const upsellColumns = `id, bot_id, ordinal, is_preset, trigger_term, phase_prompt,
	price_cents, schedule_kind, schedule_days, schedule_hours, schedule_minutes, is_active`

func scanUpsell(row interface{ Scan(...any) error }) (*Upsell, error) {
	var u Upsell
	err := row.Scan(&u.ID, &u.BotID, &u.Ordinal, &u.IsPreset, &u.TriggerTerm, &u.PhasePrompt,
		&u.PriceCents, &u.ScheduleKind, &u.ScheduleDays, &u.ScheduleHours, &u.ScheduleMinutes, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upsell: %w", err)
	}
	return &u, nil
}

// GetUpsell fetches one upsell.
func (s *Store) GetUpsell(ctx context.Context, id int64) (*Upsell, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+upsellColumns+` FROM upsells WHERE id = $1`, id)
	return scanUpsell(row)
}

// UpsertUpsell creates or replaces the upsell at an ordinal slot.
func (s *Store) UpsertUpsell(ctx context.Context, u *Upsell) (*Upsell, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO upsells (bot_id, ordinal, is_preset, trigger_term, phase_prompt,
			price_cents, schedule_kind, schedule_days, schedule_hours, schedule_minutes, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bot_id, ordinal) DO UPDATE SET
			is_preset = EXCLUDED.is_preset,
			trigger_term = EXCLUDED.trigger_term,
			phase_prompt = EXCLUDED.phase_prompt,
			price_cents = EXCLUDED.price_cents,
			schedule_kind = EXCLUDED.schedule_kind,
			schedule_days = EXCLUDED.schedule_days,
			schedule_hours = EXCLUDED.schedule_hours,
			schedule_minutes = EXCLUDED.schedule_minutes,
			is_active = EXCLUDED.is_active
		RETURNING `+upsellColumns,
		u.BotID, u.Ordinal, u.IsPreset, u.TriggerTerm, u.PhasePrompt,
		u.PriceCents, u.ScheduleKind, u.ScheduleDays, u.ScheduleHours, u.ScheduleMinutes, u.IsActive)
	return scanUpsell(row)
}

// ListActiveUpsells returns the bot's active upsells in ordinal order.
func (s *Store) ListActiveUpsells(ctx context.Context, botID int64) ([]*Upsell, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+upsellColumns+` FROM upsells WHERE bot_id = $1 AND is_active ORDER BY ordinal`, botID)
	if err != nil {
		return nil, fmt.Errorf("listing upsells: %w", err)
	}
	defer rows.Close()
	var upsells []*Upsell
	for rows.Next() {
		u, err := scanUpsell(rows)
		if err != nil {
			return nil, err
		}
		upsells = append(upsells, u)
	}
	return upsells, rows.Err()
}

// EnsureDeliveries creates one delivery row per active upsell for the user.
// Existing rows are left untouched so activation is idempotent.
func (s *Store) EnsureDeliveries(ctx context.Context, botID, userTG int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upsell_deliveries (bot_id, user_telegram_id, upsell_id, status)
		SELECT $1, $2, id, $3 FROM upsells WHERE bot_id = $1 AND is_active
		ON CONFLICT (bot_id, user_telegram_id, upsell_id) DO NOTHING`,
		botID, userTG, UpsellArmed)
	return err
}

const upsellDeliveryColumns = `id, bot_id, user_telegram_id, upsell_id, status, scheduled_for, sent_at`

func scanUpsellDelivery(row interface{ Scan(...any) error }) (*UpsellDelivery, error) {
	var d UpsellDelivery
	err := row.Scan(&d.ID, &d.BotID, &d.UserTelegramID, &d.UpsellID, &d.Status, &d.ScheduledFor, &d.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upsell delivery: %w", err)
	}
	return &d, nil
}

// NextArmedDelivery returns the lowest-ordinal armed delivery for a user.
func (s *Store) NextArmedDelivery(ctx context.Context, botID, userTG int64) (*UpsellDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.bot_id, d.user_telegram_id, d.upsell_id, d.status, d.scheduled_for, d.sent_at
		FROM upsell_deliveries d
		JOIN upsells u ON u.id = d.upsell_id
		WHERE d.bot_id = $1 AND d.user_telegram_id = $2 AND d.status = $3
		ORDER BY u.ordinal LIMIT 1`,
		botID, userTG, UpsellArmed)
	return scanUpsellDelivery(row)
}

// AnnouncedUpsell returns the lowest-ordinal upsell currently announced
// to the user and awaiting payment. The conversation adopts its phase
// prompt until the sale settles.
func (s *Store) AnnouncedUpsell(ctx context.Context, botID, userTG int64) (*Upsell, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.bot_id, u.ordinal, u.is_preset, u.trigger_term, u.phase_prompt,
			u.price_cents, u.schedule_kind, u.schedule_days, u.schedule_hours, u.schedule_minutes, u.is_active
		FROM upsells u
		JOIN upsell_deliveries d ON d.upsell_id = u.id
		WHERE d.bot_id = $1 AND d.user_telegram_id = $2 AND d.status = $3
		ORDER BY u.ordinal LIMIT 1`,
		botID, userTG, UpsellAnnounced)
	return scanUpsell(row)
}

// ScheduleDelivery moves an armed delivery to scheduled at the given time.
func (s *Store) ScheduleDelivery(ctx context.Context, deliveryID int64, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE upsell_deliveries SET status = $2, scheduled_for = $3
		WHERE id = $1 AND status = $4`,
		deliveryID, UpsellScheduled, at, UpsellArmed)
	if err != nil {
		return fmt.Errorf("scheduling upsell delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueUpsellDeliveries returns scheduled deliveries whose time has come.
func (s *Store) DueUpsellDeliveries(ctx context.Context, now time.Time, limit int) ([]*UpsellDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+upsellDeliveryColumns+` FROM upsell_deliveries
		WHERE status = $1 AND sent_at IS NULL AND scheduled_for <= $2
		ORDER BY scheduled_for LIMIT $3`,
		UpsellScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due upsells: %w", err)
	}
	defer rows.Close()
	var due []*UpsellDelivery
	for rows.Next() {
		d, err := scanUpsellDelivery(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// ClaimUpsellDelivery transitions a delivery and stamps sent_at exactly once.
// It returns false when another worker already claimed the row.
func (s *Store) ClaimUpsellDelivery(ctx context.Context, deliveryID int64, toStatus string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE upsell_deliveries SET status = $2, sent_at = now()
		WHERE id = $1 AND sent_at IS NULL`,
		deliveryID, toStatus)
	if err != nil {
		return false, fmt.Errorf("claiming upsell delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetDeliveryStatus sets a delivery status without claiming sent_at, used
// for announced -> delivered on payment.
func (s *Store) SetDeliveryStatus(ctx context.Context, botID, userTG, upsellID int64, status string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE upsell_deliveries SET status = $4
		WHERE bot_id = $1 AND user_telegram_id = $2 AND upsell_id = $3`,
		botID, userTG, upsellID, status)
	return err
}

// GetUpsellDeliveryByID fetches one delivery row.
func (s *Store) GetUpsellDeliveryByID(ctx context.Context, id int64) (*UpsellDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+upsellDeliveryColumns+` FROM upsell_deliveries WHERE id = $1`, id)
	return scanUpsellDelivery(row)
}

// GetDelivery fetches the delivery row for one (bot, user, upsell).
func (s *Store) GetDelivery(ctx context.Context, botID, userTG, upsellID int64) (*UpsellDelivery, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+upsellDeliveryColumns+` FROM upsell_deliveries
		WHERE bot_id = $1 AND user_telegram_id = $2 AND upsell_id = $3`,
		botID, userTG, upsellID)
	return scanUpsellDelivery(row)
}
