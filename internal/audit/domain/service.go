package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditLog struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	WorkspaceID *snowflake.ID     `json:"workspace_id,omitempty"`
	ActorType   string            `json:"actor_type"`
	ActorID     *string           `json:"actor_id,omitempty"`
	Action      string            `json:"action"`
	TargetType  string            `json:"target_type"`
	TargetID    *string           `json:"target_id,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	RequestID   *string           `json:"request_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is what callers hand to the audit service.
type Entry struct {
	WorkspaceID snowflake.ID
	ActorType   string
	ActorID     string
	Action      string
	TargetType  string
	TargetID    string
	Metadata    map[string]any
}

type Service interface {
	// AuditLog appends entry. A nil db writes outside any caller transaction.
	AuditLog(ctx context.Context, db *gorm.DB, entry Entry) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	ListByTarget(ctx context.Context, db *gorm.DB, targetType string, targetID string) ([]AuditLog, error)
}

var ErrInvalidAction = errors.New("invalid_action")
