package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectdomain "github.com/smallbiznis/clientportal/internal/project/domain"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateRequest struct {
	ProjectID   snowflake.ID
	TicketID    snowflake.ID
	Title       string
	Description string
	AmountCents int64
	Currency    string
	DueAt       *time.Time
}

type ListRequest struct {
	pagination.Pagination
	ProjectID snowflake.ID
	TicketID  snowflake.ID
	Status    string
}

type ListResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

type Service interface {
	Create(ctx context.Context, p principal.Principal, req CreateRequest) (*Payment, error)
	Get(ctx context.Context, p principal.Principal, id snowflake.ID) (*Payment, error)
	List(ctx context.Context, p principal.Principal, req ListRequest) (ListResponse, error)
	Cancel(ctx context.Context, p principal.Principal, id snowflake.ID) (*Payment, error)
	// Resolve loads a payment with its project after authorizing action on it.
	Resolve(ctx context.Context, p principal.Principal, id snowflake.ID, action string) (*Payment, *projectdomain.Project, error)
	// AttachCheckoutSession stores the provider session on a payment that is still pending.
	AttachCheckoutSession(ctx context.Context, workspaceID, id snowflake.ID, sessionID string) error
	// ProcessEvent reconciles one verified webhook event exactly once.
	ProcessEvent(ctx context.Context, event *PaymentEvent) (Outcome, error)
}

type CheckoutRequest struct {
	AmountCents    int64
	Currency       string
	Title          string
	Description    string
	CustomerEmail  string
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway is an external payment processor.
type Gateway interface {
	Provider() string
	// Configured reports whether credentials are present.
	Configured() bool
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// ParseWebhook verifies the delivery and maps it to a canonical event.
	ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error)
}

type ListFilter struct {
	WorkspaceID snowflake.ID
	ProjectID   snowflake.ID
	TicketID    snowflake.ID
	ClientID    snowflake.ID
	Status      Status
	BeforeID    snowflake.ID
	Limit       int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID) (*Payment, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Payment, error)
	// UpdateGuarded writes fields only while the payment has one of the expected statuses.
	UpdateGuarded(ctx context.Context, db *gorm.DB, workspaceID, id snowflake.ID, expected []Status, fields map[string]any) (bool, error)
	CancelPendingForTicket(ctx context.Context, db *gorm.DB, workspaceID, ticketID snowflake.ID, at time.Time) (int64, error)
	// CancelStalePendingForTicket cancels PENDING payments of the ticket whose amount or currency differ.
	CancelStalePendingForTicket(ctx context.Context, db *gorm.DB, workspaceID, ticketID snowflake.ID, amountCents int64, currency string, at time.Time) (int64, error)

	// ClaimEvent inserts the ledger row and reports false when the event was already recorded.
	ClaimEvent(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
	UpdateEventOutcome(ctx context.Context, db *gorm.DB, provider, eventID string, paymentID *snowflake.ID, outcome Outcome) error
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*ProcessedEvent, error)
}

var (
	ErrNotFound           = errors.New("payment_not_found")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrInvalidProject     = errors.New("invalid_project")
	ErrInvalidTitle       = errors.New("invalid_title")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrTicketMismatch     = errors.New("ticket_project_mismatch")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrCheckoutInProgress = errors.New("checkout_in_progress")
)
