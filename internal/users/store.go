package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const postgresUniqueViolation = "23505"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("users: not found")
	// ErrUniqueViolation indicates an insert collided with a unique index.
	ErrUniqueViolation = errors.New("users: unique constraint violated")
	// ErrInvalidRole indicates a role outside the supported set.
	ErrInvalidRole = errors.New("users: invalid role")

	errMissingDatabase = errors.New("users: database connection required")
	errMissingEmail    = errors.New("users: email required")
)

// StoreConfig describes the dependencies of the identity store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store persists users, provider links and audit entries. A Store obtained
// inside RunTransaction runs every call on that transaction.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs the identity store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// RunTransaction executes fn atomically; any returned error rolls back every write made through tx.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Store{db: db, now: s.now})
	})
}

// NewUser carries the fields required to create an account.
type NewUser struct {
	Email        string
	PasswordHash *string
	Role         Role
}

// CreateUser inserts an account. A duplicate email yields ErrUniqueViolation.
func (s *Store) CreateUser(ctx context.Context, input NewUser) (User, error) {
	email := NormalizeEmail(input.Email)
	if email == "" {
		return User{}, errMissingEmail
	}
	role := input.Role
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}

	user := User{
		Email:        email,
		PasswordHash: input.PasswordHash,
		Role:         role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, classifyWriteError(err)
	}
	return user, nil
}

// FindUserByEmail loads an account by normalized email. Credential fields are
// cleared unless includeSensitive is set.
func (s *Store) FindUserByEmail(ctx context.Context, email string, includeSensitive bool) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&user).Error
	if err != nil {
		return User{}, classifyReadError(err)
	}
	if !includeSensitive {
		return user.Sanitized(), nil
	}
	return user, nil
}

// FindUserByID loads an account without credential fields.
func (s *Store) FindUserByID(ctx context.Context, id int64) (User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		return User{}, classifyReadError(err)
	}
	return user.Sanitized(), nil
}

// SetRefreshTokenHash replaces the stored refresh-token digest; nil clears it.
func (s *Store) SetRefreshTokenHash(ctx context.Context, userID int64, digest *string) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("refresh_token_hash", digest)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapRefreshTokenHash replaces the stored digest only while it still equals
// current. It reports false when another writer got there first.
func (s *Store) SwapRefreshTokenHash(ctx context.Context, userID int64, current, next string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND refresh_token_hash = ?", userID, current).
		Update("refresh_token_hash", next)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUsers returns one page of accounts ordered by id and the total count.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]User, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var found []User
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&found).Error; err != nil {
		return nil, 0, err
	}
	for index := range found {
		found[index] = found[index].Sanitized()
	}
	return found, total, nil
}

// FindProviderLink loads the link for an external identity.
func (s *Store) FindProviderLink(ctx context.Context, provider Provider, providerUserID string) (ProviderLink, error) {
	var link ProviderLink
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, strings.TrimSpace(providerUserID)).
		Take(&link).Error
	if err != nil {
		return ProviderLink{}, classifyReadError(err)
	}
	return link, nil
}

// CreateProviderLink inserts a link. An existing (provider, provider_user_id)
// pair yields ErrUniqueViolation.
func (s *Store) CreateProviderLink(ctx context.Context, link ProviderLink) (ProviderLink, error) {
	link.ProviderUserID = strings.TrimSpace(link.ProviderUserID)
	if link.Provider == "" || link.ProviderUserID == "" || link.UserID == 0 {
		return ProviderLink{}, fmt.Errorf("users: provider, provider user id and user id are required")
	}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		return ProviderLink{}, classifyWriteError(err)
	}
	return link, nil
}

// AppendAuditLog records an account event.
func (s *Store) AppendAuditLog(ctx context.Context, userID int64, action AuditAction, detail string) error {
	entry := AuditLog{
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// AuditTrail returns the entries recorded for a user, oldest first.
func (s *Store) AuditTrail(ctx context.Context, userID int64) ([]AuditLog, error) {
	var entries []AuditLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func classifyReadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func classifyWriteError(err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

// IsUniqueViolation recognizes unique-index collisions from gorm's translated
// error, the postgres driver, and sqlite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUniqueViolation) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
