package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Source string

const (
	SourceCore      Source = "CORE"
	SourceTicket    Source = "TICKET"
	SourceMilestone Source = "MILESTONE"
)

const StatusTodo = "TODO"

type Task struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	WorkspaceID    snowflake.ID  `json:"workspace_id"`
	ProjectID      snowflake.ID  `json:"project_id"`
	Source         Source        `json:"source"`
	SourceTicketID *snowflake.ID `json:"source_ticket_id,omitempty"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Status         string        `json:"status"`
	Position       int           `json:"position"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

type CreateFromTicketInput struct {
	WorkspaceID snowflake.ID
	ProjectID   snowflake.ID
	TicketID    snowflake.ID
	Title       string
	Description string
}

type Service interface {
	// CreateFromTicket appends a TICKET task at the end of the project ordering.
	// tx must be the caller's transaction.
	CreateFromTicket(ctx context.Context, tx *gorm.DB, input CreateFromTicketInput) (*Task, error)
	Get(ctx context.Context, workspaceID, id snowflake.ID) (*Task, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, task *Task) error
	NextPosition(ctx context.Context, db *gorm.DB, projectID snowflake.ID) (int, error)
	FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*Task, error)
}

var (
	ErrNotFound     = errors.New("task_not_found")
	ErrInvalidTitle = errors.New("invalid_title")
)
