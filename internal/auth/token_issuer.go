package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	tokenTypeBearer        = "Bearer"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrTokenInvalid         = errors.New("auth: token invalid")
	ErrTokenExpired         = errors.New("auth: token expired")
	ErrTokenMalformed       = errors.New("auth: token malformed")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingTokenID       = errors.New("token id claim must be provided")
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

// Identity is the subject a token pair is minted for.
type Identity struct {
	UserID int64
	Email  string
	Role   string
}

// SessionClaims is the JWT payload shared by access and refresh tokens.
type SessionClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c SessionClaims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Remaining returns how long the token stays valid after now; zero once expired.
func (c SessionClaims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	remaining := c.ExpiresAt.Time.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SigningKey pairs a secret with the lifetime of tokens signed by it.
type SigningKey struct {
	Secret []byte
	TTL    time.Duration
}

// TokenIssuerConfig configures access and refresh token signing.
type TokenIssuerConfig struct {
	Access     SigningKey
	Refresh    SigningKey
	Issuer     string
	Clock      func() time.Time
	IDProvider func() (string, error)
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	keys       map[TokenKind]SigningKey
	issuer     string
	clock      func() time.Time
	idProvider func() (string, error)
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults. Missing secrets are
// reported when a token of that kind is issued or verified.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	access := cfg.Access
	if access.TTL <= 0 {
		access.TTL = defaultAccessTokenTTL
	}
	refresh := cfg.Refresh
	if refresh.TTL <= 0 {
		refresh.TTL = defaultRefreshTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = newTokenID
	}
	return &TokenIssuer{
		keys: map[TokenKind]SigningKey{
			AccessToken:  {Secret: append([]byte(nil), access.Secret...), TTL: access.TTL},
			RefreshToken: {Secret: append([]byte(nil), refresh.Secret...), TTL: refresh.TTL},
		},
		issuer:     strings.TrimSpace(cfg.Issuer),
		clock:      clock,
		idProvider: idProvider,
	}
}

// IssuePair mints an access and a refresh token for the identity.
func (i *TokenIssuer) IssuePair(identity Identity) (TokenPair, error) {
	accessToken, accessClaims, err := i.Issue(AccessToken, identity)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, refreshClaims, err := i.Issue(RefreshToken, identity)
	if err != nil {
		return TokenPair{}, err
	}
	now := i.clock()
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(accessClaims.Remaining(now).Seconds()),
		RefreshExpiresIn: int64(refreshClaims.Remaining(now).Seconds()),
	}, nil
}

// Issue signs a single token of the given kind and returns it with its claims.
func (i *TokenIssuer) Issue(kind TokenKind, identity Identity) (string, SessionClaims, error) {
	key, err := i.key(kind)
	if err != nil {
		return "", SessionClaims{}, err
	}
	if identity.UserID <= 0 {
		return "", SessionClaims{}, errMissingSubjectClaim
	}
	tokenID, err := i.idProvider()
	if err != nil {
		return "", SessionClaims{}, fmt.Errorf("auth: token id: %w", err)
	}

	now := i.clock().UTC()
	claims := SessionClaims{
		Email: identity.Email,
		Role:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   strconv.FormatInt(identity.UserID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(key.TTL)),
		},
	}
	signed, err := signToken(claims, key.Secret)
	if err != nil {
		return "", SessionClaims{}, err
	}
	return signed, claims, nil
}

// Verify checks signature, expiry and issuer of a token of the given kind.
func (i *TokenIssuer) Verify(kind TokenKind, tokenString string) (SessionClaims, error) {
	key, err := i.key(kind)
	if err != nil {
		return SessionClaims{}, err
	}
	claims, err := verifyToken(strings.TrimSpace(tokenString), key.Secret, i.issuer, i.clock)
	if err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

func (i *TokenIssuer) key(kind TokenKind) (SigningKey, error) {
	key, ok := i.keys[kind]
	if !ok {
		return SigningKey{}, fmt.Errorf("auth: unknown token kind %q", kind)
	}
	if len(key.Secret) == 0 {
		return SigningKey{}, fmt.Errorf("%w: %s", ErrMissingSigningSecret, kind)
	}
	return key, nil
}

func signToken(claims SessionClaims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func verifyToken(tokenString string, secret []byte, issuer string, clock func() time.Time) (SessionClaims, error) {
	if tokenString == "" {
		return SessionClaims{}, ErrTokenMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		},
		options...,
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return SessionClaims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		default:
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrTokenInvalid
	}
	if _, err := claims.UserID(); err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, errMissingSubjectClaim)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, errMissingTokenID)
	}
	return *claims, nil
}

func newTokenID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
