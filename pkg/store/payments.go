package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pixColumns = `id, bot_id, user_telegram_id, admin_id, offer_id, upsell_id, tracker_id,
	category, amount_cents, status, external_id, qr_code, created_at, paid_at`

func scanPix(row interface{ Scan(...any) error }) (*PixTransaction, error) {
	var t PixTransaction
	err := row.Scan(&t.ID, &t.BotID, &t.UserTelegramID, &t.AdminID, &t.OfferID, &t.UpsellID,
		&t.TrackerID, &t.Category, &t.AmountCents, &t.Status, &t.ExternalID, &t.QRCode,
		&t.CreatedAt, &t.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return &t, nil
}

// CreatePixTransaction records a new charge before the gateway call; the
// external id and QR code land via SetPixExternal once the gateway answers.
func (s *Store) CreatePixTransaction(ctx context.Context, t *PixTransaction) (*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO pix_transactions
			(bot_id, user_telegram_id, admin_id, offer_id, upsell_id, tracker_id, category, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+pixColumns,
		t.BotID, t.UserTelegramID, t.AdminID, t.OfferID, t.UpsellID, t.TrackerID,
		t.Category, t.AmountCents, PixCreated)
	return scanPix(row)
}

// SetPixExternal attaches the gateway id and QR payload and moves to pending.
func (s *Store) SetPixExternal(ctx context.Context, id int64, externalID, qrCode string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE pix_transactions SET external_id = $2, qr_code = $3, status = $4
		WHERE id = $1 AND status = $5`,
		id, externalID, qrCode, PixPending, PixCreated)
	return err
}

// GetPixTransaction fetches one transaction.
func (s *Store) GetPixTransaction(ctx context.Context, id int64) (*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+pixColumns+` FROM pix_transactions WHERE id = $1`, id)
	return scanPix(row)
}

// GetPixByExternalID resolves a gateway callback to our transaction.
func (s *Store) GetPixByExternalID(ctx context.Context, externalID string) (*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pixColumns+` FROM pix_transactions WHERE external_id = $1`, externalID)
	return scanPix(row)
}

// MarkPixPaid flips pending to paid exactly once. False means the
// transaction was already paid or is in a terminal state.
func (s *Store) MarkPixPaid(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pix_transactions SET status = $2, paid_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, PixPaid, PixCreated, PixPending)
	if err != nil {
		return false, fmt.Errorf("marking paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPixStatus sets a terminal or delivery status unconditionally.
func (s *Store) MarkPixStatus(ctx context.Context, id int64, status string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE pix_transactions SET status = $2 WHERE id = $1`, id, status)
	return err
}

// UserHasPaid reports whether the user has any paid or delivered sale
// transaction on this bot. Recovery uses it to skip paying users.
func (s *Store) UserHasPaid(ctx context.Context, botID, userTG int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pix_transactions
			WHERE bot_id = $1 AND user_telegram_id = $2 AND status IN ($3, $4)
		)`, botID, userTG, PixPaid, PixDelivered).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking paid: %w", err)
	}
	return exists, nil
}

// UserHasDeliveredSale reports whether the user already received a main
// offer, which gates upsell activation.
func (s *Store) UserHasDeliveredSale(ctx context.Context, botID, userTG int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pix_transactions
			WHERE bot_id = $1 AND user_telegram_id = $2
			  AND category = $3 AND status = $4
		)`, botID, userTG, PixCategorySale, PixDelivered).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking delivered sale: %w", err)
	}
	return exists, nil
}

// PendingByUserAndOffer returns the newest still-pending transaction the
// user opened for an offer within maxAge, for manual verification.
func (s *Store) PendingByUserAndOffer(ctx context.Context, botID, userTG, offerID int64, maxAge time.Duration) (*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pixColumns+` FROM pix_transactions
		WHERE bot_id = $1 AND user_telegram_id = $2 AND offer_id = $3
		  AND status IN ($4, $5)
		  AND created_at > now() - $6::interval
		ORDER BY created_at DESC LIMIT 1`,
		botID, userTG, offerID, PixCreated, PixPending,
		fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	return scanPix(row)
}

// LatestPendingByUser returns the user's newest open transaction on the
// bot, for the owner's force-approve shortcut.
func (s *Store) LatestPendingByUser(ctx context.Context, botID, userTG int64) (*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pixColumns+` FROM pix_transactions
		WHERE bot_id = $1 AND user_telegram_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1`,
		botID, userTG, PixCreated, PixPending)
	return scanPix(row)
}

// PendingOlderThan returns pending transactions stuck past age, for the
// payment status poller.
func (s *Store) PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*PixTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pixColumns+` FROM pix_transactions
		WHERE status = $1 AND created_at < now() - $2::interval
		ORDER BY created_at LIMIT $3`,
		PixPending, fmt.Sprintf("%d seconds", int(age.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	defer rows.Close()
	var txs []*PixTransaction
	for rows.Next() {
		t, err := scanPix(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// InsertSaleNotification records the fan-out claim for a transaction.
// True means this caller won and owns the notification side effects; a
// unique violation means another worker already claimed it.
func (s *Store) InsertSaleNotification(ctx context.Context, txID, ownerAdminID int64, channelID *int64) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sale_notifications (transaction_id, owner_admin_id, channel_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (transaction_id) DO NOTHING`,
		txID, ownerAdminID, channelID, NotifPending)
	if err != nil {
		return false, fmt.Errorf("claiming sale notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetGatewayToken returns the admin's encrypted gateway credential.
func (s *Store) GetGatewayToken(ctx context.Context, adminID int64) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var encrypted string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_encrypted FROM admin_gateway_tokens WHERE admin_id = $1`, adminID).
		Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading gateway token: %w", err)
	}
	return encrypted, nil
}

// SetGatewayToken stores or replaces the admin's gateway credential.
func (s *Store) SetGatewayToken(ctx context.Context, adminID int64, encrypted string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_gateway_tokens (admin_id, token_encrypted)
		VALUES ($1, $2)
		ON CONFLICT (admin_id) DO UPDATE SET
			token_encrypted = EXCLUDED.token_encrypted, updated_at = now()`,
		adminID, encrypted)
	return err
}

// GetNotificationChannel returns the admin's sale-notification channel,
// or ErrNotFound when none is configured.
func (s *Store) GetNotificationChannel(ctx context.Context, adminID int64) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var channelID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM notification_channels WHERE owner_admin_id = $1`, adminID).
		Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading notification channel: %w", err)
	}
	return channelID, nil
}

// SetNotificationChannel stores or replaces the admin's channel.
func (s *Store) SetNotificationChannel(ctx context.Context, adminID, channelID int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_channels (owner_admin_id, channel_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_admin_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id, updated_at = now()`,
		adminID, channelID)
	return err
}

// SetSaleNotificationStatus records the outcome of a fan-out attempt.
func (s *Store) SetSaleNotificationStatus(ctx context.Context, txID int64, status string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sale_notifications SET status = $2, sent_at = now() WHERE transaction_id = $1`,
		txID, status)
	return err
}
