package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr      string
		wantKind  string
		wantValue string
		wantErr   bool
	}{
		{expr: "10m", wantKind: KindRelative, wantValue: "10m"},
		{expr: "2h", wantKind: KindRelative, wantValue: "2h"},
		{expr: "1d", wantKind: KindRelative, wantValue: "1d"},
		{expr: "10min", wantKind: KindRelative, wantValue: "10m"},
		{expr: "2 horas", wantKind: KindRelative, wantValue: "2h"},
		{expr: "3 dias", wantKind: KindRelative, wantValue: "3d"},
		{expr: "14:30", wantKind: KindClock, wantValue: "14:30"},
		{expr: "9:05", wantKind: KindClock, wantValue: "09:05"},
		{expr: "amanhã 09:00", wantKind: KindTomorrow, wantValue: "09:00"},
		{expr: "amanha 9:00", wantKind: KindTomorrow, wantValue: "09:00"},
		{expr: "+2d 18:00", wantKind: KindPlusDays, wantValue: "+2d 18:00"},
		{expr: "  14:30  ", wantKind: KindClock, wantValue: "14:30"},
		{expr: "", wantErr: true},
		{expr: "25:00", wantErr: true},
		{expr: "14:60", wantErr: true},
		{expr: "0m", wantErr: true},
		{expr: "whenever", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			kind, value, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestResolveRelative(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	at, err := Resolve(KindRelative, "10m", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), at)

	at, err = Resolve(KindRelative, "1d", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), at)
}

func TestResolveClock(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)

	t.Run("future time lands today", func(t *testing.T) {
		at, err := Resolve(KindClock, "14:00", now, loc)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, loc), at)
	})

	t.Run("past time rolls to tomorrow", func(t *testing.T) {
		at, err := Resolve(KindClock, "09:00", now, loc)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, loc), at)
	})

	t.Run("exact now rolls to tomorrow", func(t *testing.T) {
		at, err := Resolve(KindClock, "12:00", now, loc)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 11, 12, 0, 0, 0, loc), at)
	})
}

func TestResolveTomorrow(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	// "amanhã 09:00" is always tomorrow, even when 09:00 today is still
	// ahead of now
	at, err := Resolve(KindTomorrow, "09:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), at)
}

func TestResolvePlusDays(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	at, err := Resolve(KindPlusDays, "+2d 18:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 12, 18, 0, 0, 0, time.UTC), at)
}

func TestResolveNilLocationDefaultsUTC(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	at, err := Resolve(KindClock, "14:00", now, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), at)
}

func TestResolveUnknownKind(t *testing.T) {
	_, err := Resolve("cron", "* * * * *", time.Now(), time.UTC)
	assert.Error(t, err)
}

func TestResolveExpression(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	at, err := ResolveExpression("30min", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), at)
}

func TestUpsellDelay(t *testing.T) {
	assert.Equal(t, 26*time.Hour+30*time.Minute, UpsellDelay(1, 2, 30))
	assert.Equal(t, time.Duration(0), UpsellDelay(0, 0, 0))
}
