package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusNeedsInfo       Status = "NEEDS_INFO"
	StatusAccepted        Status = "ACCEPTED"
	StatusRejected        Status = "REJECTED"
	StatusPaymentRequired Status = "PAYMENT_REQUIRED"
	StatusPaid            Status = "PAID"
	StatusConverted       Status = "CONVERTED"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusConverted
}

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusOpen, StatusNeedsInfo, StatusAccepted, StatusRejected,
		StatusPaymentRequired, StatusPaid, StatusConverted:
		return s, true
	default:
		return "", false
	}
}

type Type string

const (
	TypeBug          Type = "BUG"
	TypeModification Type = "MODIFICATION"
	TypeImprovement  Type = "IMPROVEMENT"
	TypeQuestion     Type = "QUESTION"
)

func ParseType(raw string) (Type, bool) {
	switch t := Type(raw); t {
	case TypeBug, TypeModification, TypeImprovement, TypeQuestion:
		return t, true
	default:
		return "", false
	}
}

type Ticket struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	WorkspaceID        snowflake.ID   `json:"workspace_id"`
	ProjectID          snowflake.ID   `json:"project_id"`
	CreatedBy          snowflake.ID   `json:"created_by"`
	Type               Type           `json:"type"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Status             Status         `json:"status"`
	StatusReason       *string        `json:"status_reason,omitempty"`
	RequiresPayment    bool           `json:"requires_payment"`
	PriceCents         *int64         `json:"price_cents,omitempty"`
	Currency           *string        `json:"currency,omitempty"`
	PaymentDescription *string        `json:"payment_description,omitempty"`
	ConvertedTaskID    *snowflake.ID  `json:"converted_task_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-"`
}

func (Ticket) TableName() string { return "tickets" }

// Priced reports whether the ticket carries a positive price and must be paid before conversion.
func (t *Ticket) Priced() bool {
	return t.PriceCents != nil && *t.PriceCents > 0
}

func (t *Ticket) Converted() bool {
	return t.ConvertedTaskID != nil && *t.ConvertedTaskID != 0
}
