package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/principal"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateRequest struct {
	ProjectID       snowflake.ID
	Type            string
	Title           string
	Description     string
	RequiresPayment bool
	PriceCents      *int64
	Currency        string
}

type ListRequest struct {
	pagination.Pagination
	ProjectID snowflake.ID
	Status    string
	Type      string
}

type ListResponse struct {
	pagination.PageInfo
	Tickets []Ticket `json:"tickets"`
}

// PaymentTerms is the price attached when a ticket is gated behind payment.
type PaymentTerms struct {
	PriceCents  int64
	Currency    string
	Description string
}

type Service interface {
	Create(ctx context.Context, p principal.Principal, req CreateRequest) (*Ticket, error)
	Get(ctx context.Context, p principal.Principal, id snowflake.ID) (*Ticket, error)
	List(ctx context.Context, p principal.Principal, req ListRequest) (ListResponse, error)
	Accept(ctx context.Context, p principal.Principal, id snowflake.ID) (*Ticket, error)
	Reject(ctx context.Context, p principal.Principal, id snowflake.ID, reason string) (*Ticket, error)
	MarkNeedsInfo(ctx context.Context, p principal.Principal, id snowflake.ID, reason string) (*Ticket, error)
	RequestPayment(ctx context.Context, p principal.Principal, id snowflake.ID, terms PaymentTerms) (*Ticket, error)
	Convert(ctx context.Context, p principal.Principal, id snowflake.ID) (*Ticket, error)
	Delete(ctx context.Context, p principal.Principal, id snowflake.ID) error
}

// PaymentGate is the part of the ticket workflow driven by payments. Every
// method runs inside the caller's transaction.
type PaymentGate interface {
	// RequirePayment forces the ticket into PAYMENT_REQUIRED with terms.
	RequirePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID, terms PaymentTerms) (*Ticket, error)
	// ReleasePayment returns a PAYMENT_REQUIRED ticket to ACCEPTED and clears its price.
	// Tickets in any other status are returned unchanged with released=false.
	ReleasePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID) (ticket *Ticket, released bool, err error)
	// SettlePayment marks the ticket PAID and converts it when terms match its current price.
	// Only system principals may call it.
	SettlePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID, terms PaymentTerms) (*Ticket, error)
}

// PendingPayments retires PENDING payments of a ticket that no longer match its price.
type PendingPayments interface {
	CancelStalePendingForTicket(ctx context.Context, db *gorm.DB, workspaceID, ticketID snowflake.ID, amountCents int64, currency string, at time.Time) (int64, error)
}

type ListFilter struct {
	WorkspaceID snowflake.ID
	ProjectID   snowflake.ID
	ClientID    snowflake.ID
	Status      Status
	Type        Type
	BeforeID    snowflake.ID
	Limit       int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, ticket *Ticket) error
	// FindByID ignores soft-deleted tickets and returns nil when nothing matches.
	FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*Ticket, error)
	// UpdateGuarded writes fields only while the ticket still has status expected.
	UpdateGuarded(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, expected Status, fields map[string]any) (bool, error)
	SoftDelete(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, at time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Ticket, error)
}

var (
	ErrNotFound        = errors.New("ticket_not_found")
	ErrInvalidProject  = errors.New("invalid_project")
	ErrInvalidType     = errors.New("invalid_type")
	ErrInvalidTitle    = errors.New("invalid_title")
	ErrInvalidPrice    = errors.New("invalid_price")
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidStatus   = errors.New("invalid_status")
	ErrTermsMismatch   = errors.New("payment_terms_mismatch")
)
