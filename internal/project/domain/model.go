package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Project is read by the workflow for scoping and ownership. It is managed elsewhere.
type Project struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	WorkspaceID snowflake.ID `json:"workspace_id"`
	ClientID    snowflake.ID `json:"client_id"`
	Name        string       `json:"name"`
	ClientName  string       `json:"client_name"`
	ClientEmail string       `json:"client_email"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

type Repository interface {
	// FindByID returns nil when the project does not exist in the workspace.
	FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*Project, error)
	ListIDsByClient(ctx context.Context, db *gorm.DB, workspaceID, clientID snowflake.ID) ([]snowflake.ID, error)
}

var ErrNotFound = errors.New("project_not_found")
