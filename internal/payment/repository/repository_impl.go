package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, workspace_id, project_id, ticket_id, created_by, title, description,
	amount_cents, currency, status, checkout_session_id, payment_intent_id,
	due_at, paid_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.WorkspaceID,
		payment.ProjectID,
		payment.TicketID,
		payment.CreatedBy,
		payment.Title,
		payment.Description,
		payment.AmountCents,
		payment.Currency,
		payment.Status,
		payment.CheckoutSessionID,
		payment.PaymentIntentID,
		payment.DueAt,
		payment.PaidAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
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

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Payment, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("workspace_id = ?", filter.WorkspaceID)

	if filter.ProjectID != 0 {
		stmt = stmt.Where("project_id = ?", filter.ProjectID)
	}
	if filter.TicketID != 0 {
		stmt = stmt.Where("ticket_id = ?", filter.TicketID)
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
	if filter.BeforeID != 0 {
		stmt = stmt.Where("id < ?", filter.BeforeID)
	}

	var items []domain.Payment
	if err := stmt.Order("id DESC").Limit(filter.Limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateGuarded(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, expected []domain.Status, fields map[string]any) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("workspace_id = ? AND id = ? AND status IN ?", workspaceID, id, expected).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CancelPendingForTicket(ctx context.Context, db *gorm.DB, workspaceID, ticketID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = ?
		 WHERE workspace_id = ? AND ticket_id = ? AND status = ?`,
		domain.StatusCanceled,
		at,
		workspaceID,
		ticketID,
		domain.StatusPending,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CancelStalePendingForTicket(ctx context.Context, db *gorm.DB, workspaceID, ticketID snowflake.ID, amountCents int64, currency string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = ?
		 WHERE workspace_id = ? AND ticket_id = ? AND status = ?
		   AND (amount_cents <> ? OR currency <> ?)`,
		domain.StatusCanceled,
		at,
		workspaceID,
		ticketID,
		domain.StatusPending,
		amountCents,
		currency,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, event *domain.ProcessedEvent) (bool, error) {
	res := claimEvent(db.WithContext(ctx), event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// claimEvent renders as ON CONFLICT DO NOTHING on postgres and sqlite and as a
// no-op ON DUPLICATE KEY UPDATE on mysql.
func claimEvent(db *gorm.DB, event *domain.ProcessedEvent) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
}

func (r *repo) UpdateEventOutcome(ctx context.Context, db *gorm.DB, provider, eventID string, paymentID *snowflake.ID, outcome domain.Outcome) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET payment_id = ?, outcome = ?
		 WHERE provider = ? AND event_id = ?`,
		paymentID,
		outcome,
		provider,
		eventID,
	).Error
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.ProcessedEvent, error) {
	var item domain.ProcessedEvent
	err := db.WithContext(ctx).Raw(
		`SELECT provider, event_id, event_type, payment_id, outcome, payload, occurred_at, processed_at
		 FROM processed_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.EventID == "" {
		return nil, nil
	}
	return &item, nil
}
