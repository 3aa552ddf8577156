package store

import (
	"context"
	"database/sql"
	"fmt"
)

const blockColumns = `id, bot_id, container_kind, container_id, ord,
	text_content, media_ref, media_kind, delay_seconds, auto_delete_seconds`

func scanBlock(row interface{ Scan(...any) error }) (*Block, error) {
	var b Block
	err := row.Scan(&b.ID, &b.BotID, &b.ContainerKind, &b.ContainerID, &b.Order,
		&b.Text, &b.MediaRef, &b.MediaKind, &b.DelaySeconds, &b.AutoDeleteSeconds)
	if err != nil {
		return nil, fmt.Errorf("scanning block: %w", err)
	}
	return &b, nil
}

// ListBlocks returns the container's blocks ordered by position.
func (s *Store) ListBlocks(ctx context.Context, kind string, containerID int64) ([]*Block, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+` FROM blocks
		WHERE container_kind = $1 AND container_id = $2
		ORDER BY ord`,
		kind, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	defer rows.Close()
	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// AppendBlock adds a block at the end of the container sequence.
func (s *Store) AppendBlock(ctx context.Context, b *Block) (*Block, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO blocks
			(bot_id, container_kind, container_id, ord,
			 text_content, media_ref, media_kind, delay_seconds, auto_delete_seconds)
		VALUES ($1, $2, $3,
			(SELECT coalesce(max(ord), 0) + 1 FROM blocks
			 WHERE container_kind = $2 AND container_id = $3),
			$4, $5, $6, $7, $8)
		RETURNING `+blockColumns,
		b.BotID, b.ContainerKind, b.ContainerID,
		b.Text, b.MediaRef, b.MediaKind, b.DelaySeconds, b.AutoDeleteSeconds)
	return scanBlock(row)
}

// UpdateBlock replaces the mutable fields of a block in place, scoped
// to the owning bot.
func (s *Store) UpdateBlock(ctx context.Context, b *Block) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET text_content = $2, media_ref = $3, media_kind = $4,
			delay_seconds = $5, auto_delete_seconds = $6
		WHERE id = $1 AND bot_id = $7`,
		b.ID, b.Text, b.MediaRef, b.MediaKind, b.DelaySeconds, b.AutoDeleteSeconds, b.BotID)
	if err != nil {
		return fmt.Errorf("updating block: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBlock removes a bot's block and closes the ordering gap so the
// remaining sequence stays contiguous.
func (s *Store) DeleteBlock(ctx context.Context, botID, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			kind        string
			containerID int64
			ord         int
		)
		err := tx.QueryRow(`
			DELETE FROM blocks WHERE id = $1 AND bot_id = $2
			RETURNING container_kind, container_id, ord`, id, botID).
			Scan(&kind, &containerID, &ord)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("deleting block: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE blocks SET ord = ord - 1
			WHERE container_kind = $1 AND container_id = $2 AND ord > $3`,
			kind, containerID, ord)
		return err
	})
}

// GetCachedMedia resolves an original file reference to this bot's copy.
func (s *Store) GetCachedMedia(ctx context.Context, botID int64, originalID string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var cached string
	err := s.db.QueryRowContext(ctx, `
		SELECT cached_media_id FROM media_cache
		WHERE bot_id = $1 AND original_media_id = $2`,
		botID, originalID).Scan(&cached)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading cached media: %w", err)
	}
	return cached, nil
}

// PutCachedMedia records the bot-local file id for an original reference.
// Re-resolutions overwrite the stale entry.
func (s *Store) PutCachedMedia(ctx context.Context, botID int64, originalID, cachedID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_cache (bot_id, original_media_id, cached_media_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, original_media_id)
		DO UPDATE SET cached_media_id = EXCLUDED.cached_media_id, created_at = now()`,
		botID, originalID, cachedID)
	return err
}

// DropCachedMedia forgets a mapping after Telegram rejects the cached id.
func (s *Store) DropCachedMedia(ctx context.Context, botID int64, originalID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM media_cache WHERE bot_id = $1 AND original_media_id = $2`,
		botID, originalID)
	return err
}
