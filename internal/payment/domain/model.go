package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusCanceled Status = "CANCELED"
	StatusExpired  Status = "EXPIRED"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusPending, StatusPaid, StatusCanceled, StatusExpired:
		return s, true
	default:
		return "", false
	}
}

type Payment struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	WorkspaceID       snowflake.ID  `json:"workspace_id"`
	ProjectID         snowflake.ID  `json:"project_id"`
	TicketID          *snowflake.ID `json:"ticket_id,omitempty"`
	CreatedBy         snowflake.ID  `json:"created_by"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	Status            Status        `json:"status"`
	CheckoutSessionID *string       `json:"checkout_session_id,omitempty"`
	PaymentIntentID   *string       `json:"payment_intent_id,omitempty"`
	DueAt             *time.Time    `json:"due_at,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// Outcome is what reconciling one webhook event did.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyPaid    Outcome = "already_paid"
	OutcomeUnknownPayment Outcome = "unknown_payment"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeDuplicate      Outcome = "duplicate"
)

// ProcessedEvent is the idempotency ledger row for one provider event.
type ProcessedEvent struct {
	Provider    string         `json:"provider" gorm:"primaryKey"`
	EventID     string         `json:"event_id" gorm:"primaryKey"`
	EventType   string         `json:"event_type"`
	PaymentID   *snowflake.ID  `json:"payment_id,omitempty"`
	Outcome     Outcome        `json:"outcome"`
	Payload     datatypes.JSON `json:"payload,omitempty"`
	OccurredAt  *time.Time     `json:"occurred_at,omitempty"`
	ProcessedAt time.Time      `json:"processed_at"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

const (
	EventTypeCheckoutCompleted = "checkout_completed"
	EventTypeIgnored           = "ignored"
)

// PaymentEvent is the canonical webhook event produced by gateways.
type PaymentEvent struct {
	Provider        string
	EventID         string
	// ProviderType is the event type as named by the provider.
	ProviderType    string
	Type            string
	WorkspaceID     snowflake.ID
	PaymentID       snowflake.ID
	SessionID       string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

// TransitionError reports a payment whose persisted status forbids the operation.
type TransitionError struct {
	Current Status
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s payment in status %s", e.Action, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func (e *TransitionError) CurrentStatus() string {
	return string(e.Current)
}
