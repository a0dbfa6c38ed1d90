// Package sessions implements registration, login, token rotation, logout and
// access-token validation on top of the identity store, token issuer and
// revocation store.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"go.uber.org/zap"
)

const (
	flowRegister = "register"
	flowLogin    = "login"
	flowRefresh  = "refresh"
	flowLogout   = "logout"
	flowValidate = "validate_access"
	flowOAuth    = "oauth_login"

	decoyPassword = "decoy-password-never-matches"
)

var (
	errMissingStore       = errors.New("identity store is required")
	errMissingHasher      = errors.New("password hasher is required")
	errMissingTokens      = errors.New("token issuer is required")
	errMissingRevocations = errors.New("revocation store is required")
	noOpLogger            = zap.NewNop()
)

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, digest string) bool
}

// TokenIssuer mints and verifies access and refresh tokens.
type TokenIssuer interface {
	IssuePair(identity auth.Identity) (auth.TokenPair, error)
	Verify(kind auth.TokenKind, token string) (auth.SessionClaims, error)
}

// RevocationStore records tokens rejected before their expiry.
type RevocationStore interface {
	MarkRevoked(ctx context.Context, identifier string, ttl time.Duration) error
	IsRevoked(ctx context.Context, identifier string) (bool, error)
}

// EventRecorder receives one event per completed flow.
type EventRecorder interface {
	RecordAuthEvent(flow, outcome string)
}

type ServiceConfig struct {
	Store       *users.Store
	Hasher      PasswordHasher
	Tokens      TokenIssuer
	Revocations RevocationStore
	Events      EventRecorder
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service orchestrates the authentication flows. It keeps no per-user state
// between calls; every decision is made against the stores.
type Service struct {
	store       *users.Store
	hasher      PasswordHasher
	tokens      TokenIssuer
	revocations RevocationStore
	events      EventRecorder
	logger      *zap.Logger
	clock       func() time.Time

	decoyDigest string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	case cfg.Hasher == nil:
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	case cfg.Tokens == nil:
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	case cfg.Revocations == nil:
		return nil, newServiceError(opServiceNew, "missing_revocations", errMissingRevocations)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	// Unknown and passwordless accounts are verified against this digest so
	// every login attempt pays for one bcrypt comparison.
	decoyDigest, err := cfg.Hasher.Hash(context.Background(), decoyPassword)
	if err != nil {
		return nil, newServiceError(opServiceNew, "decoy_hash_failed", err)
	}
	return &Service{
		store:       cfg.Store,
		hasher:      cfg.Hasher,
		tokens:      cfg.Tokens,
		revocations: cfg.Revocations,
		events:      cfg.Events,
		logger:      logger,
		clock:       clock,
		decoyDigest: decoyDigest,
	}, nil
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	ID    int64      `json:"id"`
	Email string     `json:"email"`
	Role  users.Role `json:"role"`
}

// Session is the result of a successful login.
type Session struct {
	User   users.User     `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// RegisterInput carries a new password account.
type RegisterInput struct {
	Email    string
	Password string
	Role     string
}

// Register creates a password account and its USER_CREATED audit entry in one transaction.
func (s *Service) Register(ctx context.Context, input RegisterInput) (user users.User, err error) {
	defer func() { s.record(flowRegister, err) }()

	email := users.NormalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return users.User{}, ErrInvalidInput
	}
	role, err := users.ParseRole(input.Role)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	digest, err := s.hasher.Hash(ctx, input.Password)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return users.User{}, newServiceError(opRegister, "hash_failed", err)
	}

	err = s.store.RunTransaction(ctx, func(tx *users.Store) error {
		created, err := tx.CreateUser(ctx, users.NewUser{Email: email, PasswordHash: &digest, Role: role})
		if err != nil {
			if users.IsUniqueViolation(err) {
				return ErrDuplicateEmail
			}
			s.logError(opRegister, "user_insert_failed", err, zap.String("email", email))
			return newServiceError(opRegister, "user_insert_failed", err)
		}
		if err := tx.AppendAuditLog(ctx, created.ID, users.AuditUserCreated, fmt.Sprintf("User registered with email: %s", email)); err != nil {
			s.logError(opRegister, "audit_insert_failed", err, zap.Int64("user_id", created.ID))
			return newServiceError(opRegister, "audit_insert_failed", err)
		}
		user = created
		return nil
	})
	if err != nil {
		return users.User{}, err
	}
	return user.Sanitized(), nil
}

// Login verifies a password and opens a session. Unknown accounts, accounts
// without a password and wrong passwords all yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (session Session, err error) {
	defer func() { s.record(flowLogin, err) }()

	user, err := s.store.FindUserByEmail(ctx, email, true)
	if errors.Is(err, users.ErrNotFound) {
		s.hasher.Verify(ctx, password, s.decoyDigest)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opLogin, "user_lookup_failed", err)
		return Session{}, newServiceError(opLogin, "user_lookup_failed", err)
	}
	if user.PasswordHash == nil {
		s.hasher.Verify(ctx, password, s.decoyDigest)
		return Session{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(ctx, password, *user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}

	var pair auth.TokenPair
	err = s.store.RunTransaction(ctx, func(tx *users.Store) error {
		issued, err := s.openSession(ctx, tx, opLogin, user)
		if err != nil {
			return err
		}
		if err := tx.AppendAuditLog(ctx, user.ID, users.AuditUserLogin, fmt.Sprintf("User logged in with email: %s", user.Email)); err != nil {
			s.logError(opLogin, "audit_insert_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opLogin, "audit_insert_failed", err)
		}
		pair = issued
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return Session{User: user.Sanitized(), Tokens: pair}, nil
}

// CreateSession mints a token pair for an already authenticated user and
// stores the digest of the new refresh token, replacing any previous one.
func (s *Service) CreateSession(ctx context.Context, user users.User) (auth.TokenPair, error) {
	var pair auth.TokenPair
	err := s.store.RunTransaction(ctx, func(tx *users.Store) error {
		issued, err := s.openSession(ctx, tx, opCreateSession, user)
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	return pair, err
}

func (s *Service) openSession(ctx context.Context, tx *users.Store, operation string, user users.User) (auth.TokenPair, error) {
	pair, err := s.tokens.IssuePair(identityOf(user))
	if err != nil {
		if errors.Is(err, auth.ErrMissingSigningSecret) {
			return auth.TokenPair{}, s.configurationError(operation, err)
		}
		s.logError(operation, "token_issue_failed", err, zap.Int64("user_id", user.ID))
		return auth.TokenPair{}, newServiceError(operation, "token_issue_failed", err)
	}
	digest := auth.RefreshTokenDigest(pair.RefreshToken)
	if err := tx.SetRefreshTokenHash(ctx, user.ID, &digest); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return auth.TokenPair{}, ErrUnauthenticated
		}
		s.logError(operation, "refresh_hash_update_failed", err, zap.Int64("user_id", user.ID))
		return auth.TokenPair{}, newServiceError(operation, "refresh_hash_update_failed", err)
	}
	return pair, nil
}

// Refresh rotates a refresh token. The presented token must verify, must not
// be revoked, and must match the digest stored for its owner; it is revoked
// once the replacement is stored.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair auth.TokenPair, err error) {
	defer func() { s.record(flowRefresh, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return auth.TokenPair{}, ErrMissingToken
	}
	claims, err := s.tokens.Verify(auth.RefreshToken, refreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSigningSecret) {
			return auth.TokenPair{}, s.configurationError(opRefresh, err)
		}
		s.logger.Debug("refresh token rejected", zap.Error(err))
		return auth.TokenPair{}, ErrInvalidRefreshToken
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.logError(opRefresh, "revocation_lookup_failed", err)
		return auth.TokenPair{}, newServiceError(opRefresh, "revocation_lookup_failed", err)
	}
	if revoked {
		return auth.TokenPair{}, ErrInvalidRefreshToken
	}
	subject, err := claims.UserID()
	if err != nil {
		return auth.TokenPair{}, ErrInvalidRefreshToken
	}

	err = s.store.RunTransaction(ctx, func(tx *users.Store) error {
		user, err := tx.FindUserByEmail(ctx, claims.Email, true)
		if errors.Is(err, users.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			s.logError(opRefresh, "user_lookup_failed", err)
			return newServiceError(opRefresh, "user_lookup_failed", err)
		}
		if user.ID != subject || user.RefreshTokenHash == nil || !auth.RefreshTokenMatches(refreshToken, *user.RefreshTokenHash) {
			return ErrInvalidRefreshToken
		}

		issued, err := s.tokens.IssuePair(identityOf(user))
		if err != nil {
			if errors.Is(err, auth.ErrMissingSigningSecret) {
				return s.configurationError(opRefresh, err)
			}
			s.logError(opRefresh, "token_issue_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opRefresh, "token_issue_failed", err)
		}
		swapped, err := tx.SwapRefreshTokenHash(ctx, user.ID, *user.RefreshTokenHash, auth.RefreshTokenDigest(issued.RefreshToken))
		if err != nil {
			s.logError(opRefresh, "refresh_hash_update_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opRefresh, "refresh_hash_update_failed", err)
		}
		if !swapped {
			return ErrInvalidRefreshToken
		}
		if err := tx.AppendAuditLog(ctx, user.ID, users.AuditTokenRefreshed, fmt.Sprintf("User refreshed token: %s", user.Email)); err != nil {
			s.logError(opRefresh, "audit_insert_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opRefresh, "audit_insert_failed", err)
		}
		// The redis write cannot be rolled back, so it runs after every database write.
		if err := s.revocations.MarkRevoked(ctx, claims.ID, claims.Remaining(s.clock())); err != nil {
			s.logError(opRefresh, "revocation_write_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opRefresh, "revocation_write_failed", err)
		}
		pair = issued
		return nil
	})
	if err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}

// Logout clears the stored refresh digest and revokes the presented refresh
// token when it verifies and belongs to userID.
func (s *Service) Logout(ctx context.Context, userID int64, refreshToken string) (err error) {
	defer func() { s.record(flowLogout, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrMissingToken
	}
	claims, verifyErr := s.tokens.Verify(auth.RefreshToken, refreshToken)
	if errors.Is(verifyErr, auth.ErrMissingSigningSecret) {
		return s.configurationError(opLogout, verifyErr)
	}

	return s.store.RunTransaction(ctx, func(tx *users.Store) error {
		if err := tx.SetRefreshTokenHash(ctx, userID, nil); err != nil {
			if errors.Is(err, users.ErrNotFound) {
				return ErrUnauthenticated
			}
			s.logError(opLogout, "refresh_hash_clear_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opLogout, "refresh_hash_clear_failed", err)
		}

		if err := tx.AppendAuditLog(ctx, userID, users.AuditUserLogout, fmt.Sprintf("User logged out: %d", userID)); err != nil {
			s.logError(opLogout, "audit_insert_failed", err, zap.Int64("user_id", userID))
			return newServiceError(opLogout, "audit_insert_failed", err)
		}

		switch owner, ownerErr := claims.UserID(); {
		case verifyErr != nil:
			s.logger.Debug("logout refresh token not revocable", zap.Int64("user_id", userID), zap.Error(verifyErr))
		case ownerErr != nil || owner != userID:
			s.logger.Warn("logout refresh token belongs to another user", zap.Int64("user_id", userID))
		default:
			if err := s.revocations.MarkRevoked(ctx, claims.ID, claims.Remaining(s.clock())); err != nil {
				s.logError(opLogout, "revocation_write_failed", err, zap.Int64("user_id", userID))
				return newServiceError(opLogout, "revocation_write_failed", err)
			}
		}
		return nil
	})
}

// RevokeAccessToken blacklists an access token for the rest of its lifetime.
func (s *Service) RevokeAccessToken(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Verify(auth.AccessToken, accessToken)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSigningSecret) {
			return s.configurationError(opRevokeAccess, err)
		}
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if err := s.revocations.MarkRevoked(ctx, claims.ID, claims.Remaining(s.clock())); err != nil {
		s.logError(opRevokeAccess, "revocation_write_failed", err)
		return newServiceError(opRevokeAccess, "revocation_write_failed", err)
	}
	return nil
}

// ValidateAccessToken resolves the principal behind an access token. Verification
// failures wrap the token error inside ErrUnauthenticated.
func (s *Service) ValidateAccessToken(ctx context.Context, accessToken string) (principal Principal, err error) {
	defer func() {
		if err != nil {
			s.record(flowValidate, err)
		}
	}()

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := s.tokens.Verify(auth.AccessToken, accessToken)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSigningSecret) {
			return Principal{}, s.configurationError(opValidateAccess, err)
		}
		return Principal{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.logError(opValidateAccess, "revocation_lookup_failed", err)
		return Principal{}, newServiceError(opValidateAccess, "revocation_lookup_failed", err)
	}
	if revoked {
		return Principal{}, ErrTokenBlacklisted
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	user, err := s.store.FindUserByID(ctx, userID)
	if errors.Is(err, users.ErrNotFound) {
		return Principal{}, ErrUnauthenticated
	}
	if err != nil {
		s.logError(opValidateAccess, "user_lookup_failed", err, zap.Int64("user_id", userID))
		return Principal{}, newServiceError(opValidateAccess, "user_lookup_failed", err)
	}
	return Principal{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (s *Service) configurationError(operation string, cause error) error {
	s.logger.Error("session configuration error",
		zap.String("operation", operation),
		zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrConfiguration, cause)
}

func (s *Service) record(flow string, err error) {
	if s.events == nil {
		return
	}
	s.events.RecordAuthEvent(flow, outcomeOf(err))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sessions service error", attrs...)
}

func identityOf(user users.User) auth.Identity {
	return auth.Identity{UserID: user.ID, Email: user.Email, Role: string(user.Role)}
}
