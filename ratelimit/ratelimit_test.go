package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage/memory"
)

func TestCheckAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(memory.New(log.NewNopLogger()), clock)

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, ScopeMagicEmail, "a@example.com", 5, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(memory.New(log.NewNopLogger()), clock)

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, ScopeMagicEmail, "a@example.com", 3, time.Minute)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, ScopeMagicEmail, "a@example.com", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestCheckResetsOnNewWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(memory.New(log.NewNopLogger()), clock)

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, ScopeMagicEmail, "a@example.com", 3, time.Minute)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, ScopeMagicEmail, "a@example.com", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(2 * time.Minute)

	res, err = l.Check(ctx, ScopeMagicEmail, "a@example.com", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestTokenScopeKeyedByIPAndClient(t *testing.T) {
	// The token scope must key on IP:client_id, never client_id alone, or
	// one caller could exhaust the window for every user of that client.
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewWithClock(memory.New(log.NewNopLogger()), clock)

	subjectA := "1.1.1.1:client-x"
	subjectB := "2.2.2.2:client-x"

	for i := 0; i < 20; i++ {
		_, err := l.Check(ctx, ScopeToken, subjectA, 20, time.Minute)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, ScopeToken, subjectA, 20, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Check(ctx, ScopeToken, subjectB, 20, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
