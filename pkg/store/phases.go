package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func scanPhase(row interface{ Scan(...any) error }) (*Phase, error) {
	var (
		p     Phase
		terms []byte
	)
	err := row.Scan(&p.ID, &p.BotID, &p.Name, &p.Prompt, &terms, &p.Ordering, &p.IsGeneral)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning phase: %w", err)
	}
	if err := json.Unmarshal(terms, &p.TriggerTerms); err != nil {
		return nil, fmt.Errorf("decoding trigger terms: %w", err)
	}
	return &p, nil
}

const phaseColumns = `id, bot_id, name, prompt, trigger_terms, ordering, is_general`

// ListPhases returns the bot's phases in configured order.
func (s *Store) ListPhases(ctx context.Context, botID int64) ([]*Phase, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE bot_id = $1 ORDER BY ordering, id`, botID)
	if err != nil {
		return nil, fmt.Errorf("listing phases: %w", err)
	}
	defer rows.Close()
	var phases []*Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

// GetPhase fetches one phase.
func (s *Store) GetPhase(ctx context.Context, id int64) (*Phase, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id = $1`, id)
	return scanPhase(row)
}

// UpsertPhase creates or updates a phase by (bot, name).
func (s *Store) UpsertPhase(ctx context.Context, p *Phase) (*Phase, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	terms, err := json.Marshal(p.TriggerTerms)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO phases (bot_id, name, prompt, trigger_terms, ordering, is_general)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id, name) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			trigger_terms = EXCLUDED.trigger_terms,
			ordering = EXCLUDED.ordering,
			is_general = EXCLUDED.is_general
		RETURNING `+phaseColumns,
		p.BotID, p.Name, p.Prompt, terms, p.Ordering, p.IsGeneral)
	return scanPhase(row)
}

// DeletePhase removes a bot's phase; sessions pointing at it fall back
// to nil via the FK ON DELETE SET NULL.
func (s *Store) DeletePhase(ctx context.Context, botID, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM phases WHERE id = $1 AND bot_id = $2`, id, botID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
