package sessions

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateEmail          = errors.New("sessions: email already registered")
	ErrInvalidCredentials      = errors.New("sessions: invalid credentials")
	ErrMissingToken            = errors.New("sessions: token required")
	ErrConfiguration           = errors.New("sessions: configuration error")
	ErrInvalidRefreshToken     = errors.New("sessions: invalid refresh token")
	ErrTokenBlacklisted        = errors.New("sessions: token revoked")
	ErrUnauthenticated         = errors.New("sessions: unauthenticated")
	ErrProviderAlreadyLinked   = errors.New("sessions: provider identity already linked")
	ErrMissingProviderEmail    = errors.New("sessions: provider returned no email")
	ErrInvalidProviderIdentity = errors.New("sessions: provider identity incomplete")
	ErrInvalidInput            = errors.New("sessions: invalid input")
)

// ServiceError wraps an infrastructure failure with the operation that hit it.
// It unwraps to the underlying store or cache error.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "sessions.service.new"
	opRegister        = "sessions.register"
	opLogin           = "sessions.login"
	opCreateSession   = "sessions.create_session"
	opRefresh         = "sessions.refresh"
	opLogout          = "sessions.logout"
	opRevokeAccess    = "sessions.revoke_access"
	opValidateAccess  = "sessions.validate_access"
	opHandleOAuthLink = "sessions.handle_oauth_login"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// domainErrors are business outcomes; everything else counts as an infrastructure failure.
var domainErrors = []struct {
	err     error
	outcome string
}{
	{ErrDuplicateEmail, "duplicate_email"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrMissingToken, "missing_token"},
	{ErrConfiguration, "configuration_error"},
	{ErrInvalidRefreshToken, "invalid_refresh_token"},
	{ErrTokenBlacklisted, "token_blacklisted"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrProviderAlreadyLinked, "provider_already_linked"},
	{ErrMissingProviderEmail, "missing_provider_email"},
	{ErrInvalidProviderIdentity, "invalid_provider_identity"},
	{ErrInvalidInput, "invalid_input"},
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	for _, candidate := range domainErrors {
		if errors.Is(err, candidate.err) {
			return candidate.outcome
		}
	}
	return "error"
}
