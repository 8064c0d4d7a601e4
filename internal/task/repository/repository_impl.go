package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/task/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, task *domain.Task) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tasks (
			id, workspace_id, project_id, source, source_ticket_id, title, description,
			status, position, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.WorkspaceID,
		task.ProjectID,
		task.Source,
		task.SourceTicketID,
		task.Title,
		task.Description,
		task.Status,
		task.Position,
		task.CreatedAt,
		task.UpdatedAt,
	).Error
}

func (r *repo) NextPosition(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (int, error) {
	var next int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(position), -1) + 1 FROM tasks WHERE project_id = ?`,
		projectID,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*domain.Task, error) {
	var item domain.Task
	err := db.WithContext(ctx).Raw(
		`SELECT id, workspace_id, project_id, source, source_ticket_id, title, description,
			status, position, created_at, updated_at
		 FROM tasks
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
