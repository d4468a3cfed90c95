package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

// SessionRepository 会话仓储接口
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateStatus 仅当库中状态仍为 from 时写入，终态记录不会被修改
	UpdateStatus(ctx context.Context, s *model.Session, from model.SessionStatus) error
	ListNonTerminal(ctx context.Context) ([]*model.Session, error)
	ListByOrigin(ctx context.Context, origin string, page *Pagination) ([]*model.Session, error)
}

// sessionRepository 会话仓储实现
type sessionRepository struct {
	*Repository
}

// NewSessionRepository 创建会话仓储
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{
		Repository: NewRepository(db),
	}
}

func (r *sessionRepository) Create(ctx context.Context, s *model.Session) error {
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().UnixMilli()
	}
	return r.TransactionWithRetry(ctx, defaultWriteRetries, func(ctx context.Context) error {
		return r.DB(ctx).Create(s).Error
	})
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.DB(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepository) UpdateStatus(ctx context.Context, s *model.Session, from model.SessionStatus) error {
	updates := map[string]interface{}{
		"status":         s.Status,
		"granted_scopes": s.GrantedScopes,
		"reason":         s.Reason,
		"expires_at":     s.ExpiresAt,
		"decided_at":     s.DecidedAt,
		"updated_at":     s.UpdatedAt,
	}

	return r.TransactionWithRetry(ctx, defaultWriteRetries, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.Session{}).
			Where("id = ? AND status = ?", s.ID, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleStatus
		}
		return nil
	})
}

func (r *sessionRepository) ListNonTerminal(ctx context.Context) ([]*model.Session, error) {
	var sessions []*model.Session
	err := r.DB(ctx).
		Where("status IN ?", model.NonTerminalSessionStatuses).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) ListByOrigin(ctx context.Context, origin string, page *Pagination) ([]*model.Session, error) {
	var sessions []*model.Session

	query := r.DB(ctx).Model(&model.Session{}).Where("origin = ?", origin)
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&sessions).Error
	return sessions, err
}
