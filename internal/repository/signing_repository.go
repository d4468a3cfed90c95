package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

// SigningRepository 签名请求仓储接口
type SigningRepository interface {
	Create(ctx context.Context, r *model.SigningRequest) error
	GetByID(ctx context.Context, id string) (*model.SigningRequest, error)
	// UpdateStatus 仅当库中状态仍为 from 时写入
	UpdateStatus(ctx context.Context, r *model.SigningRequest, from model.SigningStatus) error
	ListNonTerminal(ctx context.Context) ([]*model.SigningRequest, error)
	ListBySession(ctx context.Context, sessionID string, page *Pagination) ([]*model.SigningRequest, error)
}

// signingRepository 签名请求仓储实现
type signingRepository struct {
	*Repository
}

// NewSigningRepository 创建签名请求仓储
func NewSigningRepository(db *gorm.DB) SigningRepository {
	return &signingRepository{
		Repository: NewRepository(db),
	}
}

func (r *signingRepository) Create(ctx context.Context, req *model.SigningRequest) error {
	if req.UpdatedAt == 0 {
		req.UpdatedAt = time.Now().UnixMilli()
	}
	return r.TransactionWithRetry(ctx, defaultWriteRetries, func(ctx context.Context) error {
		return r.DB(ctx).Create(req).Error
	})
}

func (r *signingRepository) GetByID(ctx context.Context, id string) (*model.SigningRequest, error) {
	var req model.SigningRequest
	err := r.DB(ctx).Where("id = ?", id).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *signingRepository) UpdateStatus(ctx context.Context, req *model.SigningRequest, from model.SigningStatus) error {
	updates := map[string]interface{}{
		"status":        req.Status,
		"result":        req.Result,
		"error_code":    req.ErrorCode,
		"error_message": req.ErrorMessage,
		"decided_at":    req.DecidedAt,
		"submitted_at":  req.SubmittedAt,
		"completed_at":  req.CompletedAt,
		"updated_at":    req.UpdatedAt,
	}

	return r.TransactionWithRetry(ctx, defaultWriteRetries, func(ctx context.Context) error {
		result := r.DB(ctx).Model(&model.SigningRequest{}).
			Where("id = ? AND status = ?", req.ID, from).
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

func (r *signingRepository) ListNonTerminal(ctx context.Context) ([]*model.SigningRequest, error) {
	var reqs []*model.SigningRequest
	err := r.DB(ctx).
		Where("status IN ?", model.NonTerminalSigningStatuses).
		Order("created_at ASC").
		Find(&reqs).Error
	return reqs, err
}

func (r *signingRepository) ListBySession(ctx context.Context, sessionID string, page *Pagination) ([]*model.SigningRequest, error) {
	var reqs []*model.SigningRequest

	query := r.DB(ctx).Model(&model.SigningRequest{}).Where("session_id = ?", sessionID)
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&reqs).Error
	return reqs, err
}
