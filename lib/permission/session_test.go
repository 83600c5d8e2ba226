package permission

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	mu        sync.Mutex
	requests  []Request
	released  []Grant
	negotiate func(ctx context.Context, req Request) (Grant, error)
}

func (b *fakeBroker) Negotiate(ctx context.Context, req Request) (Grant, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.negotiate(ctx, req)
}

func (b *fakeBroker) Release(grant Grant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, grant)
	return nil
}

func (b *fakeBroker) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func testParams() AcquireParams {
	return AcquireParams{
		Mode:           ModeFullscreen,
		Timeout:        time.Second,
		RestoreTimeout: 50 * time.Millisecond,
	}
}

func newTestStore(t *testing.T) *TokenStore {
	t.Helper()
	return NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
}

func TestTokenStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Token(ModeFullscreen)
	require.False(t, ok)

	require.NoError(t, store.Save(ModeFullscreen, "tok-fs"))
	require.NoError(t, store.Save(ModeArea, "tok-area"))

	token, ok := store.Token(ModeFullscreen)
	require.True(t, ok)
	assert.Equal(t, "tok-fs", token)

	require.NoError(t, store.Clear(ModeFullscreen))
	_, ok = store.Token(ModeFullscreen)
	assert.False(t, ok)

	// the other mode is untouched
	token, ok = store.Token(ModeArea)
	require.True(t, ok)
	assert.Equal(t, "tok-area", token)

	// clearing an absent token is fine
	require.NoError(t, store.Clear(ModeFullscreen))
}

func TestAcquire_PersistsNewToken(t *testing.T) {
	store := newTestStore(t)
	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			return Grant{TransportFD: 7, StreamID: 42, RestoreToken: "fresh"}, nil
		},
	}

	sess, err := Acquire(context.Background(), broker, store, testParams())
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, 7, sess.Grant().TransportFD)
	assert.Equal(t, uint32(42), sess.Grant().StreamID)

	token, ok := store.Token(ModeFullscreen)
	require.True(t, ok)
	assert.Equal(t, "fresh", token)
}

func TestAcquire_UserCancelledIsClassified(t *testing.T) {
	store := newTestStore(t)
	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			return Grant{}, errors.New("the portal request was Cancelled by the user")
		},
	}

	_, err := Acquire(context.Background(), broker, store, testParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.Equal(t, 1, broker.requestCount())
}

func TestAcquire_InvalidTokenRetriedOnceWithoutToken(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(ModeFullscreen, "stale"))

	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			if req.RestoreToken != "" {
				return Grant{}, ErrTokenInvalid
			}
			return Grant{TransportFD: 3, RestoreToken: "replacement"}, nil
		},
	}

	sess, err := Acquire(context.Background(), broker, store, testParams())
	require.NoError(t, err)
	defer sess.Close()

	require.Equal(t, 2, broker.requestCount())
	assert.Equal(t, "stale", broker.requests[0].RestoreToken)
	assert.Empty(t, broker.requests[1].RestoreToken)

	token, ok := store.Token(ModeFullscreen)
	require.True(t, ok)
	assert.Equal(t, "replacement", token)
}

func TestAcquire_RestoreTimeoutClearsTokenAndRetries(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(ModeFullscreen, "stale"))

	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			if req.RestoreToken != "" {
				// simulate a broker that never answers for a dead token
				<-ctx.Done()
				return Grant{}, ctx.Err()
			}
			return Grant{TransportFD: 5}, nil
		},
	}

	sess, err := Acquire(context.Background(), broker, store, testParams())
	require.NoError(t, err)
	defer sess.Close()

	require.Equal(t, 2, broker.requestCount())
	_, ok := store.Token(ModeFullscreen)
	assert.False(t, ok, "stale token should have been cleared")
}

func TestAcquire_FatalErrorIsNotRetried(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(ModeFullscreen, "valid"))

	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			return Grant{}, errors.New("compositor exploded")
		},
	}

	_, err := Acquire(context.Background(), broker, store, testParams())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserCancelled)
	assert.Equal(t, 1, broker.requestCount())

	// the token was not at fault, so it survives
	token, ok := store.Token(ModeFullscreen)
	require.True(t, ok)
	assert.Equal(t, "valid", token)
}

func TestSession_CloseReleasesGrant(t *testing.T) {
	store := newTestStore(t)
	broker := &fakeBroker{
		negotiate: func(ctx context.Context, req Request) (Grant, error) {
			return Grant{TransportFD: 9, RestoreToken: "tok"}, nil
		},
	}

	sess, err := Acquire(context.Background(), broker, store, testParams())
	require.NoError(t, err)

	broker.mu.Lock()
	require.Empty(t, broker.released)
	broker.mu.Unlock()

	sess.Close()
	sess.Close() // idempotent

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.released, 1)
	assert.Equal(t, 9, broker.released[0].TransportFD)
}
