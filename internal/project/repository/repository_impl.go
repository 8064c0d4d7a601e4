package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/project/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*domain.Project, error) {
	var item domain.Project
	err := db.WithContext(ctx).Raw(
		`SELECT id, workspace_id, client_id, name, client_name, client_email, created_at, updated_at
		 FROM projects
		 WHERE workspace_id = ? AND id = ?`,
		workspaceID,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListIDsByClient(ctx context.Context, db *gorm.DB, workspaceID, clientID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM projects WHERE workspace_id = ? AND client_id = ?`,
		workspaceID,
		clientID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
