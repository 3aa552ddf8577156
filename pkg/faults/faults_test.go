package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad input %d", 7), KindValidation},
		{"auth", Auth("no token"), KindAuth},
		{"rate limited", RateLimited(time.Second), KindRateLimited},
		{"transient", Transient(errors.New("timeout")), KindTransient},
		{"permanent", Permanent(errors.New("404")), KindPermanent},
		{"consistency", Consistency("stale version"), KindConsistency},
		{"insufficient credits", InsufficientCredits(1, 100, 50), KindInsufficientCredits},
		{"conflict", Conflict("already handled"), KindConflict},
		{"plain error", errors.New("anything"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := Transient(errors.New("conn reset"))
	wrapped := fmt.Errorf("sending message: %w", inner)
	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestRetryAfterOf(t *testing.T) {
	assert.Equal(t, 3*time.Second, RetryAfterOf(RateLimited(3*time.Second)))
	assert.Zero(t, RetryAfterOf(Transient(errors.New("x"))))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(Transient(errors.New("x"))))
	assert.True(t, IsRetriable(RateLimited(time.Second)))
	assert.True(t, IsRetriable(errors.New("unclassified")))
	assert.False(t, IsRetriable(Permanent(errors.New("x"))))
	assert.False(t, IsRetriable(Validation("bad")))
	assert.False(t, IsRetriable(Consistency("stale")))
}

func TestIsSilent(t *testing.T) {
	assert.True(t, IsSilent(Consistency("stale")))
	assert.True(t, IsSilent(Conflict("dup")))
	assert.True(t, IsSilent(InsufficientCredits(1, 100, 0)))
	assert.False(t, IsSilent(Transient(errors.New("x"))))
	assert.False(t, IsSilent(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := Validation("bad value %q", "x")
	assert.Equal(t, `validation: bad value "x"`, err.Error())

	bare := &Error{Kind: KindAuth}
	assert.Equal(t, "auth", bare.Error())
}
