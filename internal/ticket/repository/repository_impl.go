package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/ticket/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const ticketColumns = `id, workspace_id, project_id, created_by, type, title, description, status,
	status_reason, requires_payment, price_cents, currency, payment_description,
	converted_task_id, created_at, updated_at, deleted_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, ticket *domain.Ticket) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO tickets (
			id, workspace_id, project_id, created_by, type, title, description, status,
			status_reason, requires_payment, price_cents, currency, payment_description,
			converted_task_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ticket.ID,
		ticket.WorkspaceID,
		ticket.ProjectID,
		ticket.CreatedBy,
		ticket.Type,
		ticket.Title,
		ticket.Description,
		ticket.Status,
		ticket.StatusReason,
		ticket.RequiresPayment,
		ticket.PriceCents,
		ticket.Currency,
		ticket.PaymentDescription,
		ticket.ConvertedTaskID,
		ticket.CreatedAt,
		ticket.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*domain.Ticket, error) {
	var item domain.Ticket
	err := db.WithContext(ctx).Raw(
		`SELECT `+ticketColumns+`
		 FROM tickets
		 WHERE workspace_id = ? AND id = ? AND deleted_at IS NULL`,
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

func (r *repo) UpdateGuarded(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, expected domain.Status, fields map[string]any) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("workspace_id = ? AND id = ? AND status = ?", workspaceID, id, expected).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SoftDelete(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE tickets SET deleted_at = ?, updated_at = ?
		 WHERE workspace_id = ? AND id = ? AND deleted_at IS NULL`,
		at,
		at,
		workspaceID,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Ticket, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("workspace_id = ?", filter.WorkspaceID)

	if filter.ProjectID != 0 {
		stmt = stmt.Where("project_id = ?", filter.ProjectID)
	}
	if filter.ClientID != 0 {
		stmt = stmt.Where(
			"project_id IN (SELECT id FROM projects WHERE workspace_id = ? AND client_id = ?)",
			filter.WorkspaceID,
			filter.ClientID,
		)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}

	var items []domain.Ticket
	if err := stmt.Order("id DESC").Limit(filter.Limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
