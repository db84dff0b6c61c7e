package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// defaultOneshotTTL is how long a oneshot token is valid.
	defaultOneshotTTL = 5 * time.Second

	tokenIssuer = "printbridge"
)

var (
	errTokenInvalid = errors.New("invalid token")
	errTokenUsed    = errors.New("token already used or unknown")
)

// tokenStore issues single-use signed tokens. A token is honoured once,
// before its expiry, and only if this process issued it.
type tokenStore struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock

	mu     sync.Mutex
	issued map[string]time.Time // jti -> expiry
}

func newTokenStore(secret []byte, ttl time.Duration, clock clockwork.Clock) *tokenStore {
	if ttl <= 0 {
		ttl = defaultOneshotTTL
	}
	return &tokenStore{
		secret: secret,
		ttl:    ttl,
		clock:  clock,
		issued: make(map[string]time.Time),
	}
}

// issue signs a new token.
func (ts *tokenStore) issue() (string, error) {
	now := ts.clock.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	ts.mu.Lock()
	ts.issued[claims.ID] = claims.ExpiresAt.Time
	ts.mu.Unlock()
	return signed, nil
}

// redeem validates a token and consumes it.
func (ts *tokenStore) redeem(token string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return ts.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", errTokenInvalid, err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.issued[claims.ID]; !ok {
		return errTokenUsed
	}
	delete(ts.issued, claims.ID)
	return nil
}

// pending returns how many issued tokens are still unredeemed.
func (ts *tokenStore) pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.issued)
}

// cleanExpired removes expired tokens from the store.
func (ts *tokenStore) cleanExpired() {
	now := ts.clock.Now()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, exp := range ts.issued {
		if now.After(exp) {
			delete(ts.issued, id)
		}
	}
}

// cleanLoop runs cleanExpired periodically until the context is cancelled.
func (ts *tokenStore) cleanLoop(ctx context.Context) {
	ticker := ts.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ts.cleanExpired()
		}
	}
}

// handleOneshotToken issues a token that authenticates one later request,
// typically the WebSocket upgrade.
func (s *Server) handleOneshotToken(w http.ResponseWriter, _ *http.Request) {
	token, err := s.tokens.issue()
	if err != nil {
		s.logger.Error("failed to issue oneshot token", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}
	writeResult(w, http.StatusOK, token)
}
