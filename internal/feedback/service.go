package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("feedback: entry not found")
	ErrInvalidInput    = errors.New("feedback: invalid input")
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

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
	opServiceNew = "feedback.service.new"
	opCreate     = "feedback.create"
	opList       = "feedback.list"
	opDelete     = "feedback.delete"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Cache    ListCache
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	cache  ListCache
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, cache: cfg.Cache, logger: logger}, nil
}

// CreateInput is a validated feedback submission.
type CreateInput struct {
	Name    string
	Email   string
	Message string
	UserID  *int64
}

func (s *Service) Create(ctx context.Context, input CreateInput) (Entry, error) {
	entry := Entry{
		Name:    strings.TrimSpace(input.Name),
		Email:   strings.ToLower(strings.TrimSpace(input.Email)),
		Message: strings.TrimSpace(input.Message),
		UserID:  input.UserID,
	}
	if len(entry.Name) < 2 || entry.Email == "" || len(entry.Message) < 10 {
		return Entry{}, ErrInvalidInput
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return Entry{}, newServiceError(opCreate, "insert_failed", err)
	}
	s.invalidate(ctx, opCreate)
	return entry, nil
}

// List returns one page of entries, newest first. Pages are served from the
// cache when one is configured.
func (s *Service) List(ctx context.Context, request pagination.Request) (pagination.Page[Entry], error) {
	request = request.Normalize()

	if s.cache != nil {
		payload, ok, err := s.cache.Get(ctx, request)
		if err != nil {
			s.logger.Warn("feedback cache read failed", zap.Error(err))
		} else if ok {
			var cached pagination.Page[Entry]
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return pagination.Page[Entry]{}, newServiceError(opList, "count_failed", err)
	}
	var entries []Entry
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(request.Offset()).
		Limit(request.Limit).
		Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return pagination.Page[Entry]{}, newServiceError(opList, "query_failed", err)
	}
	page := pagination.NewPage(request, entries, total)

	if s.cache != nil {
		if payload, err := json.Marshal(page); err == nil {
			if err := s.cache.Set(ctx, request, payload); err != nil {
				s.logger.Warn("feedback cache write failed", zap.Error(err))
			}
		}
	}
	return page, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&Entry{}, id)
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.Int64("feedback_id", id))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, opDelete)
	return nil
}

func (s *Service) invalidate(ctx context.Context, operation string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("feedback cache invalidation failed", zap.String("operation", operation), zap.Error(err))
	}
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
	s.logger.Error("feedback service error", attrs...)
}
