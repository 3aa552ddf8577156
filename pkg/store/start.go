package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetStartTemplate returns the bot's active start template.
func (s *Store) GetStartTemplate(ctx context.Context, botID int64) (*StartTemplate, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var t StartTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, version, is_active FROM start_templates WHERE bot_id = $1`,
		botID).Scan(&t.ID, &t.BotID, &t.Version, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading start template: %w", err)
	}
	return &t, nil
}

// EnsureStartTemplate creates the template row if missing.
func (s *Store) EnsureStartTemplate(ctx context.Context, botID int64) (*StartTemplate, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var t StartTemplate
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO start_templates (bot_id) VALUES ($1)
		ON CONFLICT (bot_id) DO UPDATE SET bot_id = EXCLUDED.bot_id
		RETURNING id, bot_id, version, is_active`,
		botID).Scan(&t.ID, &t.BotID, &t.Version, &t.IsActive)
	if err != nil {
		return nil, fmt.Errorf("ensuring start template: %w", err)
	}
	return &t, nil
}

// BumpStartVersion invalidates prior sends so every user sees the edited
// sequence once more.
func (s *Store) BumpStartVersion(ctx context.Context, botID int64) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE start_templates SET version = version + 1 WHERE bot_id = $1
		RETURNING version`, botID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bumping start version: %w", err)
	}
	return version, nil
}

// MarkStartSent records that the user saw this template version. False
// means the version was already sent, so the caller skips the sequence.
func (s *Store) MarkStartSent(ctx context.Context, botID, userTG int64, version int) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO start_message_status (bot_id, user_telegram_id, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, user_telegram_id, version) DO NOTHING`,
		botID, userTG, version)
	if err != nil {
		return false, fmt.Errorf("recording start send: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
