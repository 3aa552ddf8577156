package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetAntiSpamConfig returns the bot's spam policy; a missing row means
// the feature is off.
func (s *Store) GetAntiSpamConfig(ctx context.Context, botID int64) (*AntiSpamConfig, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		c     AntiSpamConfig
		terms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, max_msgs_per_minute, forbidden_terms, ban_links, ban_forwards, is_active
		FROM antispam_configs WHERE bot_id = $1`, botID).
		Scan(&c.BotID, &c.MaxMsgsPerMinute, &terms, &c.BanLinks, &c.BanForwards, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return &AntiSpamConfig{BotID: botID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading antispam config: %w", err)
	}
	if err := json.Unmarshal(terms, &c.ForbiddenTerms); err != nil {
		return nil, fmt.Errorf("decoding forbidden terms: %w", err)
	}
	return &c, nil
}

// UpsertAntiSpamConfig creates or replaces the bot's spam policy.
func (s *Store) UpsertAntiSpamConfig(ctx context.Context, c *AntiSpamConfig) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	terms, err := json.Marshal(c.ForbiddenTerms)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO antispam_configs (bot_id, max_msgs_per_minute, forbidden_terms, ban_links, ban_forwards, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id) DO UPDATE SET
			max_msgs_per_minute = EXCLUDED.max_msgs_per_minute,
			forbidden_terms = EXCLUDED.forbidden_terms,
			ban_links = EXCLUDED.ban_links,
			ban_forwards = EXCLUDED.ban_forwards,
			is_active = EXCLUDED.is_active`,
		c.BotID, c.MaxMsgsPerMinute, terms, c.BanLinks, c.BanForwards, c.IsActive)
	return err
}

// InsertBan records a ban; repeat bans for the same pair are no-ops.
func (s *Store) InsertBan(ctx context.Context, botID, userTG int64, reason string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (bot_id, user_telegram_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, user_telegram_id) DO NOTHING`,
		botID, userTG, reason)
	return err
}

// IsBanned reports whether the pair has a ban on record.
func (s *Store) IsBanned(ctx context.Context, botID, userTG int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var banned bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM bans WHERE bot_id = $1 AND user_telegram_id = $2)`,
		botID, userTG).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("checking ban: %w", err)
	}
	return banned, nil
}
