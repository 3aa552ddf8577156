package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOrCreateUser upserts the user row and refreshes last_interaction.
func (s *Store) GetOrCreateUser(ctx context.Context, botID, telegramID int64) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var u User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (bot_id, telegram_id)
		VALUES ($1, $2)
		ON CONFLICT (bot_id, telegram_id)
		DO UPDATE SET last_interaction = now()
		RETURNING id, bot_id, telegram_id, first_interaction, last_interaction`,
		botID, telegramID).
		Scan(&u.ID, &u.BotID, &u.TelegramID, &u.FirstInteraction, &u.LastInteraction)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return &u, nil
}

// GetOrCreateSession upserts the session row and refreshes last_active_at.
func (s *Store) GetOrCreateSession(ctx context.Context, botID, userTG int64) (*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (bot_id, user_telegram_id)
		VALUES ($1, $2)
		ON CONFLICT (bot_id, user_telegram_id)
		DO UPDATE SET last_active_at = now()
		RETURNING bot_id, user_telegram_id, current_phase_id, history_version, message_count, last_active_at`,
		botID, userTG).
		Scan(&sess.BotID, &sess.UserTelegramID, &sess.CurrentPhaseID,
			&sess.HistoryVersion, &sess.MessageCount, &sess.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches the session without touching last_active_at.
func (s *Store) GetSession(ctx context.Context, botID, userTG int64) (*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, user_telegram_id, current_phase_id, history_version, message_count, last_active_at
		FROM sessions WHERE bot_id = $1 AND user_telegram_id = $2`,
		botID, userTG).
		Scan(&sess.BotID, &sess.UserTelegramID, &sess.CurrentPhaseID,
			&sess.HistoryVersion, &sess.MessageCount, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return &sess, nil
}

// ErrVersionConflict signals a lost compare-and-set race; the caller
// re-reads and retries or drops the write.
var ErrVersionConflict = errors.New("session version conflict")

// UpdatePhaseCAS moves the session to phaseID only if history_version still
// matches expectVersion. The version is bumped on success.
func (s *Store) UpdatePhaseCAS(ctx context.Context, botID, userTG int64, phaseID *int64, expectVersion int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET current_phase_id = $3, history_version = history_version + 1
		WHERE bot_id = $1 AND user_telegram_id = $2 AND history_version = $4`,
		botID, userTG, phaseID, expectVersion)
	if err != nil {
		return fmt.Errorf("updating phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// BumpSession increments the message counter and refreshes activity.
func (s *Store) BumpSession(ctx context.Context, botID, userTG int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_active_at = now()
		WHERE bot_id = $1 AND user_telegram_id = $2`,
		botID, userTG)
	return err
}

// AppendHistory stores one conversation turn.
func (s *Store) AppendHistory(ctx context.Context, botID, userTG int64, e HistoryEntry) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history
			(bot_id, user_telegram_id, role, content, media_ref, prompt_tokens, completion_tokens, cached_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		botID, userTG, e.Role, e.Content, e.MediaRef,
		e.PromptTokens, e.CompletionTokens, e.CachedTokens)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// RecentHistory returns the newest limit entries in chronological order.
func (s *Store) RecentHistory(ctx context.Context, botID, userTG int64, limit int) ([]HistoryEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, media_ref, prompt_tokens, completion_tokens, cached_tokens, created_at
		FROM conversation_history
		WHERE bot_id = $1 AND user_telegram_id = $2
		ORDER BY id DESC LIMIT $3`,
		botID, userTG, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Role, &e.Content, &e.MediaRef,
			&e.PromptTokens, &e.CompletionTokens, &e.CachedTokens, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into oldest-first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// TrimHistory keeps only the newest keep entries for the pair.
func (s *Store) TrimHistory(ctx context.Context, botID, userTG int64, keep int) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_history
		WHERE bot_id = $1 AND user_telegram_id = $2 AND id NOT IN (
			SELECT id FROM conversation_history
			WHERE bot_id = $1 AND user_telegram_id = $2
			ORDER BY id DESC LIMIT $3
		)`,
		botID, userTG, keep)
	return err
}

// AvgCompletionTokens returns the moving average of assistant completion
// sizes over the newest window entries, or 0 when there is no sample.
func (s *Store) AvgCompletionTokens(ctx context.Context, botID, userTG int64, window int) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT avg(completion_tokens) FROM (
			SELECT completion_tokens FROM conversation_history
			WHERE bot_id = $1 AND user_telegram_id = $2
			  AND role = 'assistant' AND completion_tokens > 0
			ORDER BY id DESC LIMIT $3
		) recent`,
		botID, userTG, window).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("averaging completions: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return int(avg.Float64), nil
}

// InactiveSessions returns sessions idle for at least threshold, for the
// recovery watchdog. The scan is bounded to keep sweeps cheap.
func (s *Store) InactiveSessions(ctx context.Context, botID int64, threshold time.Duration, limit int) ([]*Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, user_telegram_id, current_phase_id, history_version, message_count, last_active_at
		FROM sessions
		WHERE bot_id = $1 AND last_active_at < now() - $2::interval
		ORDER BY last_active_at
		LIMIT $3`,
		botID, fmt.Sprintf("%d seconds", int(threshold.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("listing inactive sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.BotID, &sess.UserTelegramID, &sess.CurrentPhaseID,
			&sess.HistoryVersion, &sess.MessageCount, &sess.LastActiveAt); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}
