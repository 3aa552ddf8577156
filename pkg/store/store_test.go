package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vkultra/mitski/pkg/database"
)

// newTestStore connects to CI_DATABASE_URL when set and otherwise spins
// up a disposable PostgreSQL container. Migrations run either way.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	client, err := database.NewClient(ctx, database.Config{
		URL:          connStr,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client.DB(), 5*time.Second)
}

func TestSaleNotificationClaimIsExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	offerID := int64(1)
	tx, err := st.CreatePixTransaction(ctx, &PixTransaction{
		BotID: 1, UserTelegramID: 42, AdminID: 9,
		OfferID: &offerID, Category: PixCategorySale, AmountCents: 9700,
	})
	require.NoError(t, err)

	won, err := st.InsertSaleNotification(ctx, tx.ID, 9, nil)
	require.NoError(t, err)
	assert.True(t, won)

	// a concurrent fan-out of the same transaction loses the claim
	won, err = st.InsertSaleNotification(ctx, tx.ID, 9, nil)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, st.SetSaleNotificationStatus(ctx, tx.ID, NotifSent))
}

func TestMarkPixPaidOnlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx, err := st.CreatePixTransaction(ctx, &PixTransaction{
		BotID: 1, UserTelegramID: 42, AdminID: 9,
		Category: PixCategoryTopup, AmountCents: 5000,
	})
	require.NoError(t, err)
	require.NoError(t, st.SetPixExternal(ctx, tx.ID, "EXT-1", "qr"))

	paid, err := st.MarkPixPaid(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, paid)

	paid, err = st.MarkPixPaid(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, paid)

	got, err := st.GetPixTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, PixPaid, got.Status)
	assert.NotNil(t, got.PaidAt)
}

func TestTrackerCodeResolution(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	bot, err := st.CreateBot(ctx, 9, "enc-token", "vendas_bot", "hook-secret")
	require.NoError(t, err)
	tracker, err := st.CreateTracker(ctx, bot.ID, "promo1", "Promo de agosto")
	require.NoError(t, err)

	// an invalid deep-link code resolves to nothing, which is what lets
	// forced tracking drop the start
	_, err = st.GetTrackerByCode(ctx, bot.ID, "nao-existe")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.GetTrackerByCode(ctx, bot.ID, "promo1")
	require.NoError(t, err)
	assert.Equal(t, tracker.ID, got.ID)

	created, err := st.Attribute(ctx, bot.ID, 42, tracker.ID)
	require.NoError(t, err)
	assert.True(t, created)

	// repeat /starts keep the first attribution
	created, err = st.Attribute(ctx, bot.ID, 42, tracker.ID)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRecoveryDeliveryPlanAndClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	delivery := &RecoveryDelivery{
		BotID: 1, UserID: 42, CampaignID: 7, StepID: 70,
		EpisodeID: "ep-1", VersionSnapshot: 3,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	}
	created, err := st.EnsureRecoveryDelivery(ctx, delivery)
	require.NoError(t, err)
	assert.True(t, created)

	// a second sweeper pass plans the same step without duplicating it
	created, err = st.EnsureRecoveryDelivery(ctx, delivery)
	require.NoError(t, err)
	assert.False(t, created)

	due, err := st.DueRecoveryDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	won, err := st.ClaimRecoveryDelivery(ctx, due[0].ID, RecoverySent)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.ClaimRecoveryDelivery(ctx, due[0].ID, RecoverySent)
	require.NoError(t, err)
	assert.False(t, won)

	// the next step of the chain is a fresh row under the same episode
	created, err = st.EnsureRecoveryDelivery(ctx, &RecoveryDelivery{
		BotID: 1, UserID: 42, CampaignID: 7, StepID: 71,
		EpisodeID: "ep-1", VersionSnapshot: 3,
		ScheduledFor: time.Now().UTC().Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, created)
}
