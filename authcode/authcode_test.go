package authcode

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutumnsGrove/groveauth/pkg/crypto"
	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/storage/memory"
)

func TestExchangeSucceedsWithMatchingPKCE(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	verifier := "verifier-value-that-is-reasonably-long"
	challenge := crypto.ChallengeS256(verifier)

	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", challenge, crypto.MethodS256)
	require.NoError(t, err)

	a, err := e.Exchange(ctx, code, "client-1", "https://app.example.com/cb", verifier)
	require.NoError(t, err)
	require.Equal(t, "user-1", a.UserID)
}

func TestExchangeFailsOnWrongVerifier(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	challenge := crypto.ChallengeS256("correct-verifier")
	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", challenge, crypto.MethodS256)
	require.NoError(t, err)

	_, err = e.Exchange(ctx, code, "client-1", "https://app.example.com/cb", "wrong-verifier")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeFailsWithoutPKCEChallenge(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", "", "")
	require.NoError(t, err)

	_, err = e.Exchange(ctx, code, "client-1", "https://app.example.com/cb", "anything")
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeFailsOnRedirectMismatch(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	verifier := "some-verifier-value"
	challenge := crypto.ChallengeS256(verifier)
	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", challenge, crypto.MethodS256)
	require.NoError(t, err)

	_, err = e.Exchange(ctx, code, "client-1", "https://app.example.com/other", verifier)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeFailsOnWrongClient(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	verifier := "some-verifier-value"
	challenge := crypto.ChallengeS256(verifier)
	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", challenge, crypto.MethodS256)
	require.NoError(t, err)

	_, err = e.Exchange(ctx, code, "client-2", "https://app.example.com/cb", verifier)
	require.ErrorIs(t, err, ErrInvalidGrant)
}

func TestConcurrentExchangeOnlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(log.NewNopLogger()))

	verifier := "some-verifier-value"
	challenge := crypto.ChallengeS256(verifier)
	code, err := e.Mint(ctx, "client-1", "user-1", "https://app.example.com/cb", challenge, crypto.MethodS256)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, failures := 0, 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := e.Exchange(ctx, code, "client-1", "https://app.example.com/cb", verifier)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				failures++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, n-1, failures)
}
