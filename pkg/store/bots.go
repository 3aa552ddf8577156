package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const botColumns = `id, owner_admin_id, token_encrypted, username, webhook_secret,
	associated_offer_id, is_active, created_at`

func scanBot(row interface{ Scan(...any) error }) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.OwnerAdminID, &b.TokenEncrypted, &b.Username,
		&b.WebhookSecret, &b.AssociatedOfferID, &b.IsActive, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning bot: %w", err)
	}
	return &b, nil
}

// CreateBot registers a bot owned by an admin.
func (s *Store) CreateBot(ctx context.Context, ownerAdminID int64, tokenEncrypted, username, webhookSecret string) (*Bot, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bots (owner_admin_id, token_encrypted, username, webhook_secret)
		VALUES ($1, $2, $3, $4)
		RETURNING `+botColumns,
		ownerAdminID, tokenEncrypted, username, webhookSecret)
	return scanBot(row)
}

// GetBot fetches a bot by id.
func (s *Store) GetBot(ctx context.Context, id int64) (*Bot, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

// ListActiveBots returns every active bot, used for webhook registration
// and the active-bots gauge.
func (s *Store) ListActiveBots(ctx context.Context) ([]*Bot, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	defer rows.Close()
	var bots []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// SetBotActive toggles a bot.
func (s *Store) SetBotActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET is_active = $2 WHERE id = $1`, id, active)
	return err
}

// UpsertAIConfig creates or replaces the bot's conversation settings.
func (s *Store) UpsertAIConfig(ctx context.Context, c *AIConfig) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_ai_configs (bot_id, is_enabled, general_prompt, model_type, temperature, max_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id) DO UPDATE SET
			is_enabled = EXCLUDED.is_enabled,
			general_prompt = EXCLUDED.general_prompt,
			model_type = EXCLUDED.model_type,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens`,
		c.BotID, c.IsEnabled, c.GeneralPrompt, c.ModelType, c.Temperature, c.MaxTokens)
	return err
}

// GetAIConfig fetches the per-bot conversation configuration.
func (s *Store) GetAIConfig(ctx context.Context, botID int64) (*AIConfig, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var c AIConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, is_enabled, general_prompt, model_type, temperature, max_tokens
		FROM bot_ai_configs WHERE bot_id = $1`, botID).
		Scan(&c.BotID, &c.IsEnabled, &c.GeneralPrompt, &c.ModelType, &c.Temperature, &c.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading ai config: %w", err)
	}
	return &c, nil
}
