package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"go.uber.org/zap"
)

// OAuthLoginInput is the identity confirmed by a provider handshake.
// ExistingUser is set when an authenticated caller is attaching a provider.
type OAuthLoginInput struct {
	Provider       users.Provider
	ProviderUserID string
	Email          string
	AccessToken    string
	RefreshToken   string
	ExistingUser   *Principal
}

// HandleOAuthLogin resolves the account for a provider identity and links it,
// all in one transaction.
//
// An identity that is already linked is rejected with ErrProviderAlreadyLinked,
// also when ExistingUser owns it: the session user is resolved first and the
// link insert then conflicts. Otherwise the account is ExistingUser, else the
// account with the same email, else a new passwordless account.
func (s *Service) HandleOAuthLogin(ctx context.Context, input OAuthLoginInput) (user users.User, err error) {
	defer func() { s.record(flowOAuth, err) }()

	providerUserID := strings.TrimSpace(input.ProviderUserID)
	if input.Provider == "" || providerUserID == "" {
		return users.User{}, ErrInvalidProviderIdentity
	}
	email := users.NormalizeEmail(input.Email)
	if email == "" {
		return users.User{}, ErrMissingProviderEmail
	}
	logFields := []zap.Field{
		zap.String("provider", string(input.Provider)),
		zap.String("provider_user_id", providerUserID),
	}

	err = s.store.RunTransaction(ctx, func(tx *users.Store) error {
		_, err := tx.FindProviderLink(ctx, input.Provider, providerUserID)
		switch {
		case err == nil:
			if input.ExistingUser == nil {
				return ErrProviderAlreadyLinked
			}
		case !errors.Is(err, users.ErrNotFound):
			s.logError(opHandleOAuthLink, "link_lookup_failed", err, logFields...)
			return newServiceError(opHandleOAuthLink, "link_lookup_failed", err)
		}

		resolved, err := s.resolveOAuthUser(ctx, tx, input.ExistingUser, email, logFields)
		if err != nil {
			return err
		}

		var providerRefreshToken *string
		if token := strings.TrimSpace(input.RefreshToken); token != "" {
			providerRefreshToken = &token
		}
		_, err = tx.CreateProviderLink(ctx, users.ProviderLink{
			Provider:       input.Provider,
			ProviderUserID: providerUserID,
			AccessToken:    input.AccessToken,
			RefreshToken:   providerRefreshToken,
			UserID:         resolved.ID,
		})
		if err != nil {
			if users.IsUniqueViolation(err) {
				return ErrProviderAlreadyLinked
			}
			s.logError(opHandleOAuthLink, "link_insert_failed", err, logFields...)
			return newServiceError(opHandleOAuthLink, "link_insert_failed", err)
		}

		detail := fmt.Sprintf("Linked %s provider for user: %s", input.Provider, resolved.Email)
		if err := tx.AppendAuditLog(ctx, resolved.ID, users.AuditOAuthProviderLinked, detail); err != nil {
			s.logError(opHandleOAuthLink, "audit_insert_failed", err, logFields...)
			return newServiceError(opHandleOAuthLink, "audit_insert_failed", err)
		}
		user = resolved
		return nil
	})
	if err != nil {
		return users.User{}, err
	}
	return user.Sanitized(), nil
}

func (s *Service) resolveOAuthUser(ctx context.Context, tx *users.Store, existing *Principal, email string, logFields []zap.Field) (users.User, error) {
	if existing != nil {
		user, err := tx.FindUserByID(ctx, existing.ID)
		if errors.Is(err, users.ErrNotFound) {
			return users.User{}, ErrUnauthenticated
		}
		if err != nil {
			s.logError(opHandleOAuthLink, "user_lookup_failed", err, logFields...)
			return users.User{}, newServiceError(opHandleOAuthLink, "user_lookup_failed", err)
		}
		return user, nil
	}

	user, err := tx.FindUserByEmail(ctx, email, false)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrNotFound) {
		s.logError(opHandleOAuthLink, "user_lookup_failed", err, logFields...)
		return users.User{}, newServiceError(opHandleOAuthLink, "user_lookup_failed", err)
	}

	created, err := tx.CreateUser(ctx, users.NewUser{Email: email, Role: users.RoleUser})
	if err != nil {
		if users.IsUniqueViolation(err) {
			return users.User{}, ErrDuplicateEmail
		}
		s.logError(opHandleOAuthLink, "user_insert_failed", err, logFields...)
		return users.User{}, newServiceError(opHandleOAuthLink, "user_insert_failed", err)
	}
	return created, nil
}
