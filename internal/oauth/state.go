package oauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultStateTTL = 10 * time.Minute
	stateAudience   = "oauth-state"
)

var (
	ErrInvalidState       = errors.New("oauth: invalid state")
	errMissingStateSecret = errors.New("oauth: state secret required")
)

// StateClaims is the payload carried through the provider round trip.
// LinkUserID is non-zero when a signed-in user started the flow to attach a provider.
type StateClaims struct {
	Provider   users.Provider `json:"provider"`
	Nonce      string         `json:"nonce"`
	LinkUserID int64          `json:"link_user_id,omitempty"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies OAuth state values. The nonce is returned
// separately so the caller can bind it to the browser with a cookie.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewStateCodec(secret string, ttl time.Duration, clock func() time.Time) (*StateCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errMissingStateSecret
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &StateCodec{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

// TTL is how long an issued state stays valid.
func (c *StateCodec) TTL() time.Duration {
	return c.ttl
}

// Issue returns a signed state and its nonce.
func (c *StateCodec) Issue(provider users.Provider, linkUserID int64) (string, string, error) {
	nonce := uuid.NewString()
	now := c.clock().UTC()
	claims := StateClaims{
		Provider:   provider,
		Nonce:      nonce,
		LinkUserID: linkUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("oauth: sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks the signature, expiry, provider and nonce of a returned state.
func (c *StateCodec) Verify(state string, provider users.Provider, nonce string) (StateClaims, error) {
	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(state),
		claims,
		func(*jwt.Token) (interface{}, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		return StateClaims{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Provider != provider {
		return StateClaims{}, fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return StateClaims{}, fmt.Errorf("%w: nonce mismatch", ErrInvalidState)
	}
	return *claims, nil
}
