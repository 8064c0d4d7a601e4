package repository

import (
	"context"

	"github.com/smallbiznis/clientportal/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (
			id, workspace_id, actor_type, actor_id, action, target_type, target_id,
			metadata, request_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.WorkspaceID,
		entry.ActorType,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Metadata,
		entry.RequestID,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListByTarget(ctx context.Context, db *gorm.DB, targetType string, targetID string) ([]domain.AuditLog, error) {
	var logs []domain.AuditLog
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at ASC, id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
