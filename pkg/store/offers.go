package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const offerColumns = `id, bot_id, name, price_cents, currency,
	manual_verification_trigger, discount_trigger, is_active`

func scanOffer(row interface{ Scan(...any) error }) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.BotID, &o.Name, &o.PriceCents, &o.Currency,
		&o.ManualVerificationTrigger, &o.DiscountTrigger, &o.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning offer: %w", err)
	}
	return &o, nil
}

// CreateOffer adds an offer; duplicate names per bot (case-insensitive)
// surface as a unique violation.
func (s *Store) CreateOffer(ctx context.Context, o *Offer) (*Offer, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO offers (bot_id, name, price_cents, currency, manual_verification_trigger, discount_trigger)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+offerColumns,
		o.BotID, o.Name, o.PriceCents, o.Currency, o.ManualVerificationTrigger, o.DiscountTrigger)
	return scanOffer(row)
}

// GetOffer fetches one offer.
func (s *Store) GetOffer(ctx context.Context, id int64) (*Offer, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	return scanOffer(row)
}

// ListActiveOffers returns the bot's active offers.
func (s *Store) ListActiveOffers(ctx context.Context, botID int64) ([]*Offer, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE bot_id = $1 AND is_active ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	defer rows.Close()
	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

const actionColumns = `id, bot_id, name, track_usage, is_active`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var a Action
	err := row.Scan(&a.ID, &a.BotID, &a.Name, &a.TrackUsage, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning action: %w", err)
	}
	return &a, nil
}

// CreateAction adds a named action trigger.
func (s *Store) CreateAction(ctx context.Context, a *Action) (*Action, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO actions (bot_id, name, track_usage)
		VALUES ($1, $2, $3)
		RETURNING `+actionColumns,
		a.BotID, a.Name, a.TrackUsage)
	return scanAction(row)
}

// ListActiveActions returns the bot's active actions.
func (s *Store) ListActiveActions(ctx context.Context, botID int64) ([]*Action, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE bot_id = $1 AND is_active ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()
	var actions []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ActionStatuses returns the per-session status of every track-usage action.
func (s *Store) ActionStatuses(ctx context.Context, botID, userTG int64) (map[int64]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, status FROM session_action_status
		WHERE bot_id = $1 AND user_telegram_id = $2`,
		botID, userTG)
	if err != nil {
		return nil, fmt.Errorf("listing action statuses: %w", err)
	}
	defer rows.Close()
	statuses := make(map[int64]string)
	for rows.Next() {
		var (
			id     int64
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}

// MarkActionActivated flips a track-usage action to ACTIVATED for a session.
func (s *Store) MarkActionActivated(ctx context.Context, botID, userTG, actionID int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_action_status (bot_id, user_telegram_id, action_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id, user_telegram_id, action_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		botID, userTG, actionID, ActionStatusActivated)
	return err
}
