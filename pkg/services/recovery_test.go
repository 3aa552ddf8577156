package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkultra/mitski/pkg/scheduler"
	"github.com/vkultra/mitski/pkg/store"
)

func TestNextRecoveryFireChainsFromSendTime(t *testing.T) {
	steps := []*store.RecoveryStep{
		{ID: 1, Ordinal: 1, ScheduleKind: scheduler.KindRelative, ScheduleValue: "10m"},
		{ID: 2, Ordinal: 2, ScheduleKind: scheduler.KindRelative, ScheduleValue: "10m"},
		{ID: 3, Ordinal: 3, ScheduleKind: scheduler.KindRelative, ScheduleValue: "1h"},
	}
	sentAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// after step 1 the second fires 10m from the send, not from the
	// moment the episode was planned
	next, at, err := nextRecoveryFire(steps, 1, sentAt, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.ID)
	assert.Equal(t, sentAt.Add(10*time.Minute), at)

	// the chain keeps compounding step by step
	next, at, err = nextRecoveryFire(steps, 2, sentAt.Add(10*time.Minute), time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(3), next.ID)
	assert.Equal(t, sentAt.Add(10*time.Minute+time.Hour), at)
}

func TestNextRecoveryFireEndsEpisode(t *testing.T) {
	steps := []*store.RecoveryStep{
		{ID: 1, Ordinal: 1, ScheduleKind: scheduler.KindRelative, ScheduleValue: "10m"},
		{ID: 2, Ordinal: 2, ScheduleKind: scheduler.KindRelative, ScheduleValue: "10m"},
	}
	now := time.Now()

	next, _, err := nextRecoveryFire(steps, 2, now, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, next)

	// a step deactivated since the send just ends the chain
	next, _, err = nextRecoveryFire(steps, 99, now, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, next)
}
