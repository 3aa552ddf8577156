package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/pricing"
	"github.com/vkultra/mitski/pkg/store"
)

// fakeStore serves postScan's reads from memory and records the writes.
type fakeStore struct {
	phases    []*store.Phase
	offers    []*store.Offer
	actions   []*store.Action
	upsells   []*store.Upsell
	activated []int64
}

func (f *fakeStore) IsBanned(context.Context, int64, int64) (bool, error) { return false, nil }
func (f *fakeStore) GetAIConfig(context.Context, int64) (*store.AIConfig, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetOrCreateUser(context.Context, int64, int64) (*store.User, error) {
	return &store.User{}, nil
}
func (f *fakeStore) GetOrCreateSession(context.Context, int64, int64) (*store.Session, error) {
	return &store.Session{}, nil
}
func (f *fakeStore) GetPhase(context.Context, int64) (*store.Phase, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ListPhases(context.Context, int64) ([]*store.Phase, error) {
	return f.phases, nil
}
func (f *fakeStore) UpdatePhaseCAS(context.Context, int64, int64, *int64, int) error { return nil }
func (f *fakeStore) BumpSession(context.Context, int64, int64) error                 { return nil }
func (f *fakeStore) AppendHistory(context.Context, int64, int64, store.HistoryEntry) error {
	return nil
}
func (f *fakeStore) RecentHistory(context.Context, int64, int64, int) ([]store.HistoryEntry, error) {
	return nil, nil
}
func (f *fakeStore) TrimHistory(context.Context, int64, int64, int) error { return nil }
func (f *fakeStore) AvgCompletionTokens(context.Context, int64, int64, int) (int, error) {
	return 0, nil
}
func (f *fakeStore) ListActiveOffers(context.Context, int64) ([]*store.Offer, error) {
	return f.offers, nil
}
func (f *fakeStore) ListActiveActions(context.Context, int64) ([]*store.Action, error) {
	return f.actions, nil
}
func (f *fakeStore) ActionStatuses(context.Context, int64, int64) (map[int64]string, error) {
	return nil, nil
}
func (f *fakeStore) MarkActionActivated(_ context.Context, _, _, actionID int64) error {
	f.activated = append(f.activated, actionID)
	return nil
}
func (f *fakeStore) ListActiveUpsells(context.Context, int64) ([]*store.Upsell, error) {
	return f.upsells, nil
}
func (f *fakeStore) AnnouncedUpsell(context.Context, int64, int64) (*store.Upsell, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetDelivery(context.Context, int64, int64, int64) (*store.UpsellDelivery, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) ClaimUpsellDelivery(context.Context, int64, string) (bool, error) {
	return true, nil
}
func (f *fakeStore) GetBalance(context.Context, int64) (int64, error)          { return 0, nil }
func (f *fakeStore) Debit(context.Context, int64, int64, string, string) error { return nil }

type sentContainer struct {
	kind string
	id   int64
	vars map[string]string
}

type fakeSender struct {
	sent []sentContainer
}

func (f *fakeSender) Send(_ context.Context, _ string, _, _ int64, kind string, id int64, vars map[string]string) error {
	f.sent = append(f.sent, sentContainer{kind: kind, id: id, vars: vars})
	return nil
}

type fakePayments struct {
	charges     int
	verified    int
	verifyFound bool
	verifyPaid  bool
}

func (f *fakePayments) CreateCharge(context.Context, *store.Bot, int64, *store.Offer, int64) (string, error) {
	f.charges++
	return "pix-copy-paste", nil
}

func (f *fakePayments) CreateUpsellCharge(context.Context, *store.Bot, int64, *store.Upsell) (string, error) {
	f.charges++
	return "pix-copy-paste", nil
}

func (f *fakePayments) VerifyPending(context.Context, *store.Bot, int64, int64, time.Duration) (bool, bool, *store.PixTransaction, error) {
	f.verified++
	return f.verifyFound, f.verifyPaid, &store.PixTransaction{ID: 77}, nil
}

func testEngine(st *fakeStore, payments *fakePayments) (*Engine, *fakeSender) {
	sender := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(&config.Config{}, st, nil, nil, sender, payments, nil, pricing.Rates{}, logger)
	return e, sender
}

func TestPostScanOfferAppendKeepsReplyIntact(t *testing.T) {
	st := &fakeStore{offers: []*store.Offer{{ID: 5, Name: "Curso Premium", PriceCents: 9700}}}
	e, sender := testEngine(st, &fakePayments{})

	reply := "Temos o Curso Premium ideal para voce"
	visible, err := e.postScan(context.Background(), &store.Bot{ID: 1}, "tok", 42,
		&store.Session{HistoryVersion: 1}, reply)
	require.NoError(t, err)

	assert.Equal(t, reply, visible)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, store.ContainerOfferPitch, sender.sent[0].kind)
	assert.Equal(t, int64(5), sender.sent[0].id)
	assert.Equal(t, "pix-copy-paste", sender.sent[0].vars["pix"])
}

func TestPostScanOfferReplaceSuppressesReply(t *testing.T) {
	st := &fakeStore{offers: []*store.Offer{{ID: 5, Name: "Curso Premium", PriceCents: 9700}}}
	payments := &fakePayments{}
	e, sender := testEngine(st, payments)

	visible, err := e.postScan(context.Background(), &store.Bot{ID: 1}, "tok", 42,
		&store.Session{HistoryVersion: 1}, "Curso Premium!")
	require.NoError(t, err)

	assert.Empty(t, visible)
	assert.Equal(t, 1, payments.charges)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, store.ContainerOfferPitch, sender.sent[0].kind)
}

func TestPostScanActionFollowsReplaceRule(t *testing.T) {
	st := &fakeStore{actions: []*store.Action{{ID: 3, Name: "bonus_gratis", TrackUsage: true}}}
	e, sender := testEngine(st, &fakePayments{})

	visible, err := e.postScan(context.Background(), &store.Bot{ID: 1}, "tok", 42,
		&store.Session{HistoryVersion: 1}, "bonus_gratis")
	require.NoError(t, err)

	assert.Empty(t, visible)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, store.ContainerAction, sender.sent[0].kind)
	assert.Equal(t, []int64{3}, st.activated)
}

func TestPostScanManualVerificationPaidLeavesDeliveryToFanout(t *testing.T) {
	trigger := "verificando_pagamento"
	st := &fakeStore{offers: []*store.Offer{{
		ID: 5, Name: "Curso Premium", PriceCents: 9700, ManualVerificationTrigger: &trigger,
	}}}
	payments := &fakePayments{verifyFound: true, verifyPaid: true}
	e, sender := testEngine(st, payments)

	visible, err := e.postScan(context.Background(), &store.Bot{ID: 1}, "tok", 42,
		&store.Session{HistoryVersion: 1}, "um momento, verificando_pagamento agora")
	require.NoError(t, err)

	assert.Equal(t, 1, payments.verified)
	assert.NotContains(t, visible, trigger)
	// the fan-out worker sends the deliverable; nothing goes out here
	assert.Empty(t, sender.sent)
}

func TestPostScanManualVerificationUnpaidSendsFallback(t *testing.T) {
	trigger := "verificando_pagamento"
	st := &fakeStore{offers: []*store.Offer{{
		ID: 5, Name: "Curso Premium", PriceCents: 9700, ManualVerificationTrigger: &trigger,
	}}}
	payments := &fakePayments{verifyFound: true, verifyPaid: false}
	e, sender := testEngine(st, payments)

	_, err := e.postScan(context.Background(), &store.Bot{ID: 1}, "tok", 42,
		&store.Session{HistoryVersion: 1}, "um momento, verificando_pagamento agora")
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, store.ContainerOfferManualVerification, sender.sent[0].kind)
	assert.Equal(t, int64(5), sender.sent[0].id)
}
