package users

import (
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole accepts "user" or "admin"; an empty value defaults to RoleUser.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// Provider names an external identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// AuditAction tags an audit log entry.
type AuditAction string

const (
	AuditUserCreated         AuditAction = "USER_CREATED"
	AuditUserLogin           AuditAction = "USER_LOGIN"
	AuditTokenRefreshed      AuditAction = "TOKEN_REFRESHED"
	AuditUserLogout          AuditAction = "USER_LOGOUT"
	AuditOAuthProviderLinked AuditAction = "OAUTH_PROVIDER_LINKED"
)

// User is an account. PasswordHash is nil for accounts that only sign in
// through a linked provider; RefreshTokenHash is nil while logged out.
type User struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Email            string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email" json:"email"`
	PasswordHash     *string   `gorm:"column:password_hash;size:255" json:"-"`
	Role             Role      `gorm:"column:role;size:16;not null;default:user" json:"role"`
	RefreshTokenHash *string   `gorm:"column:refresh_token_hash;size:128" json:"-"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing accounts.
func (User) TableName() string {
	return "users"
}

// Sanitized returns a copy without credential material.
func (u User) Sanitized() User {
	u.PasswordHash = nil
	u.RefreshTokenHash = nil
	return u
}

// ProviderLink binds an external identity to a User. The (provider, provider_user_id)
// pair is unique.
type ProviderLink struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Provider       Provider  `gorm:"column:provider;size:32;not null;uniqueIndex:idx_provider_links_identity,priority:1" json:"provider"`
	ProviderUserID string    `gorm:"column:provider_user_id;size:190;not null;uniqueIndex:idx_provider_links_identity,priority:2" json:"provider_user_id"`
	AccessToken    string    `gorm:"column:access_token;type:text" json:"-"`
	RefreshToken   *string   `gorm:"column:refresh_token;type:text" json:"-"`
	UserID         int64     `gorm:"column:user_id;not null;index" json:"user_id"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing provider links.
func (ProviderLink) TableName() string {
	return "provider_links"
}

// AuditLog is an append-only record of an account event.
type AuditLog struct {
	ID        int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64       `gorm:"column:user_id;not null;index" json:"user_id"`
	Action    AuditAction `gorm:"column:action;size:64;not null;index" json:"action"`
	Detail    string      `gorm:"column:detail;type:text" json:"detail"`
	CreatedAt time.Time   `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName exposes the table backing audit entries.
func (AuditLog) TableName() string {
	return "audit_logs"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&User{}, &ProviderLink{}, &AuditLog{}}
}

// NormalizeEmail trims and lowercases an address; uniqueness is enforced on this form.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
