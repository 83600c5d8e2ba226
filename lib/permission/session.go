package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/openloupe/screencapd/lib/logger"
)

// AcquireParams tunes the negotiation protocol.
type AcquireParams struct {
	Mode Mode
	// Timeout bounds an interactive negotiation (the user may be staring at a
	// consent dialog).
	Timeout time.Duration
	// RestoreTimeout bounds a token-restore negotiation. Token validity
	// resolves near-instantly, so this is kept short; exceeding it is treated
	// as a stale token.
	RestoreTimeout time.Duration
}

// Session owns the worker goroutine holding the broker grant. The grant stays
// with that worker for its whole life: Close signals it and blocks until the
// grant has been released back to the broker, so the privileged access is
// guaranteed gone before Close returns.
type Session struct {
	grant Grant

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// Acquire negotiates a capture grant with the broker on a dedicated worker
// goroutine. A persisted restore token for the mode is tried first; a token
// the broker rejects (or that times out) is cleared and the negotiation is
// retried exactly once without it, forcing an interactive prompt.
func Acquire(ctx context.Context, broker Broker, tokens *TokenStore, params AcquireParams) (*Session, error) {
	log := logger.FromContext(ctx)

	type outcome struct {
		grant Grant
		err   error
	}
	results := make(chan outcome, 1)
	s := &Session{
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)

		grant, err := negotiate(ctx, broker, tokens, params)
		results <- outcome{grant: grant, err: err}
		if err != nil {
			return
		}

		<-s.closeCh
		if rerr := broker.Release(grant); rerr != nil {
			log.Warn("failed to release capture grant", "err", rerr)
		}
	}()

	res := <-results
	if res.err != nil {
		return nil, res.err
	}
	s.grant = res.grant
	return s, nil
}

// Grant returns the negotiated grant. Valid until Close.
func (s *Session) Grant() Grant {
	return s.grant
}

// Close signals the worker goroutine and blocks until it has released the
// grant. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	<-s.done
}

func negotiate(ctx context.Context, broker Broker, tokens *TokenStore, params AcquireParams) (Grant, error) {
	log := logger.FromContext(ctx)

	token, hadToken := tokens.Token(params.Mode)
	if hadToken {
		log.Info("attempting permission restore from persisted token", "mode", params.Mode)
	}

	req := Request{
		Mode:          params.Mode,
		RestoreToken:  token,
		AllowMultiple: params.Mode == ModeArea,
		EmbedCursor:   true,
	}

	var grant Grant
	err := retry.New(
		retry.Attempts(2),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Only a stale token earns a second attempt, and that attempt
			// runs without one.
			if req.RestoreToken == "" {
				return false
			}
			if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTimeout) {
				log.Warn("restore token rejected; clearing and retrying interactively", "mode", params.Mode, "err", err)
				req.RestoreToken = ""
				if cerr := tokens.Clear(params.Mode); cerr != nil {
					log.Warn("failed to clear restore token", "err", cerr)
				}
				return true
			}
			return false
		}),
	).Do(func() error {
		timeout := params.Timeout
		if req.RestoreToken != "" {
			timeout = params.RestoreTimeout
		}
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		g, nerr := broker.Negotiate(nctx, req)
		if nerr != nil {
			return classify(nerr)
		}
		grant = g
		return nil
	})
	if err != nil {
		return Grant{}, err
	}

	if grant.RestoreToken != "" && grant.RestoreToken != token {
		if serr := tokens.Save(params.Mode, grant.RestoreToken); serr != nil {
			log.Warn("failed to persist restore token", "mode", params.Mode, "err", serr)
		}
	}

	return grant, nil
}
