package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/clientportal/internal/audit/domain"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/clock"
	"github.com/smallbiznis/clientportal/internal/config"
	obsmetrics "github.com/smallbiznis/clientportal/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectdomain "github.com/smallbiznis/clientportal/internal/project/domain"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
	"github.com/smallbiznis/clientportal/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// webhookReason identifies the reconciler in audit records and system principals.
const webhookReason = "payment.webhook"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Repo        paymentdomain.Repository
	ProjectRepo projectdomain.Repository
	Gate        ticketdomain.PaymentGate
	Authz       authorization.Authorizer
	AuditSvc    auditdomain.Service `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	defaultCurrency string
	repo            paymentdomain.Repository
	projectRepo     projectdomain.Repository
	gate            ticketdomain.PaymentGate
	authz           authorization.Authorizer
	auditSvc        auditdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	currency, ok := money.NormalizeCurrency(p.Cfg.DefaultCurrency)
	if !ok {
		currency = "EUR"
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		defaultCurrency: currency,
		repo:            p.Repo,
		projectRepo:     p.ProjectRepo,
		gate:            p.Gate,
		authz:           p.Authz,
		auditSvc:        p.AuditSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, p principal.Principal, req paymentdomain.CreateRequest) (*paymentdomain.Payment, error) {
	if p == nil {
		return nil, authorization.ErrUnauthenticated
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, paymentdomain.ErrInvalidTitle
	}
	if req.AmountCents <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}
	if req.ProjectID == 0 {
		return nil, paymentdomain.ErrInvalidProject
	}
	currency := s.defaultCurrency
	if strings.TrimSpace(req.Currency) != "" {
		var ok bool
		currency, ok = money.NormalizeCurrency(req.Currency)
		if !ok {
			return nil, paymentdomain.ErrInvalidCurrency
		}
	}

	project, err := s.projectRepo.FindByID(ctx, s.db, p.WorkspaceID(), req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, projectdomain.ErrNotFound
	}
	if err := s.authz.Authorize(ctx, p, authorization.Resource{
		Object:      authorization.ObjectPayment,
		WorkspaceID: project.WorkspaceID,
		OwnerID:     project.ClientID,
		TicketID:    req.TicketID,
	}, authorization.ActionPaymentCreate); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	payment := &paymentdomain.Payment{
		ID:          s.genID.Generate(),
		WorkspaceID: project.WorkspaceID,
		ProjectID:   project.ID,
		CreatedBy:   principal.CreatorID(p),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		AmountCents: req.AmountCents,
		Currency:    currency,
		Status:      paymentdomain.StatusPending,
		DueAt:       req.DueAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.TicketID != 0 {
			ticketID := req.TicketID
			payment.TicketID = &ticketID

			ticket, err := s.gate.RequirePayment(ctx, tx, p, ticketID, ticketdomain.PaymentTerms{
				PriceCents:  payment.AmountCents,
				Currency:    payment.Currency,
				Description: firstNonEmpty(payment.Description, payment.Title),
			})
			if err != nil {
				return err
			}
			if ticket.ProjectID != project.ID {
				return paymentdomain.ErrTicketMismatch
			}
			if ticket.Status != ticketdomain.StatusPaymentRequired {
				return &ticketdomain.TransitionError{Current: ticket.Status, Action: ticketdomain.ActionRequestPayment}
			}

			retired, err := s.repo.CancelPendingForTicket(ctx, tx, payment.WorkspaceID, ticketID, now)
			if err != nil {
				return err
			}
			if retired > 0 {
				s.log.Info("retired pending payments",
					zap.String("ticket_id", ticketID.String()),
					zap.Int64("count", retired),
				)
			}
		}

		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		return s.audit(ctx, tx, p, "payment.create", payment, map[string]any{
			"amount_cents": payment.AmountCents,
			"currency":     payment.Currency,
		})
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) Get(ctx context.Context, p principal.Principal, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, _, err := s.Resolve(ctx, p, id, authorization.ActionPaymentView)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) List(ctx context.Context, p principal.Principal, req paymentdomain.ListRequest) (paymentdomain.ListResponse, error) {
	if p == nil {
		return paymentdomain.ListResponse{}, authorization.ErrUnauthenticated
	}

	filter := paymentdomain.ListFilter{
		WorkspaceID: p.WorkspaceID(),
		ProjectID:   req.ProjectID,
		TicketID:    req.TicketID,
		Limit:       req.Limit() + 1,
	}
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status, ok := paymentdomain.ParseStatus(strings.ToUpper(raw))
		if !ok {
			return paymentdomain.ListResponse{}, paymentdomain.ErrInvalidStatus
		}
		filter.Status = status
	}
	if user, ok := p.(principal.User); ok && !user.IsAdmin() {
		filter.ClientID = user.ID
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	if cursor != nil {
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return paymentdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		filter.BeforeID = beforeID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return paymentdomain.ListResponse{}, err
	}
	items, pageInfo := pagination.Page(items, req.Limit(), func(item paymentdomain.Payment) string {
		return item.ID.String()
	})
	return paymentdomain.ListResponse{PageInfo: pageInfo, Payments: items}, nil
}

// Cancel retires a pending payment and lifts the payment gate of its ticket.
func (s *Service) Cancel(ctx context.Context, p principal.Principal, id snowflake.ID) (*paymentdomain.Payment, error) {
	var result *paymentdomain.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, _, err := s.resolve(ctx, tx, p, id, authorization.ActionPaymentCancel)
		if err != nil {
			return err
		}
		if payment.Status != paymentdomain.StatusPending {
			return &paymentdomain.TransitionError{Current: payment.Status, Action: "cancel"}
		}

		updated, err := s.repo.UpdateGuarded(ctx, tx, payment.WorkspaceID, payment.ID,
			[]paymentdomain.Status{paymentdomain.StatusPending},
			map[string]any{
				"status":     paymentdomain.StatusCanceled,
				"updated_at": s.clock.Now(),
			})
		if err != nil {
			return err
		}
		if !updated {
			return s.conflict(ctx, tx, payment, "cancel")
		}

		released := false
		if payment.TicketID != nil {
			_, released, err = s.gate.ReleasePayment(ctx, tx, p, *payment.TicketID)
			if errors.Is(err, ticketdomain.ErrNotFound) {
				// The ticket was deleted; the payment can still be canceled.
				err = nil
			}
			if err != nil {
				return err
			}
		}

		result, err = s.repo.FindByID(ctx, tx, payment.WorkspaceID, payment.ID)
		if err != nil {
			return err
		}
		return s.audit(ctx, tx, p, "payment.cancel", result, map[string]any{
			"ticket_released": released,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Resolve(ctx context.Context, p principal.Principal, id snowflake.ID, action string) (*paymentdomain.Payment, *projectdomain.Project, error) {
	return s.resolve(ctx, s.db, p, id, action)
}

func (s *Service) resolve(ctx context.Context, db *gorm.DB, p principal.Principal, id snowflake.ID, action string) (*paymentdomain.Payment, *projectdomain.Project, error) {
	if p == nil {
		return nil, nil, authorization.ErrUnauthenticated
	}
	payment, err := s.repo.FindByID(ctx, db, p.WorkspaceID(), id)
	if err != nil {
		return nil, nil, err
	}
	if payment == nil {
		return nil, nil, paymentdomain.ErrNotFound
	}
	project, err := s.projectRepo.FindByID(ctx, db, payment.WorkspaceID, payment.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if project == nil {
		return nil, nil, paymentdomain.ErrNotFound
	}

	res := authorization.Resource{
		Object:      authorization.ObjectPayment,
		WorkspaceID: payment.WorkspaceID,
		OwnerID:     project.ClientID,
	}
	if payment.TicketID != nil {
		res.TicketID = *payment.TicketID
	}
	if err := s.authz.Authorize(ctx, p, res, action); err != nil {
		return nil, nil, err
	}
	return payment, project, nil
}

func (s *Service) AttachCheckoutSession(ctx context.Context, workspaceID, id snowflake.ID, sessionID string) error {
	updated, err := s.repo.UpdateGuarded(ctx, s.db, workspaceID, id,
		[]paymentdomain.Status{paymentdomain.StatusPending},
		map[string]any{
			"checkout_session_id": sessionID,
			"updated_at":          s.clock.Now(),
		})
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	current, err := s.repo.FindByID(ctx, s.db, workspaceID, id)
	if err != nil {
		return err
	}
	if current == nil {
		return paymentdomain.ErrNotFound
	}
	return s.conflict(ctx, s.db, current, "checkout")
}

// ProcessEvent claims the event in the ledger and applies its effects in the
// same transaction. A redelivered event finds its ledger row and does nothing.
func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.Outcome, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}

	record := &paymentdomain.ProcessedEvent{
		Provider:    event.Provider,
		EventID:     event.EventID,
		EventType:   event.ProviderType,
		Outcome:     paymentdomain.OutcomeIgnored,
		Payload:     datatypes.JSON(event.RawPayload),
		ProcessedAt: s.clock.Now(),
	}
	if !event.OccurredAt.IsZero() {
		occurredAt := event.OccurredAt.UTC()
		record.OccurredAt = &occurredAt
	}

	outcome := paymentdomain.OutcomeIgnored
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimEvent(ctx, tx, record)
		if err != nil {
			return err
		}
		if !claimed {
			outcome = paymentdomain.OutcomeDuplicate
			return nil
		}
		if event.Type != paymentdomain.EventTypeCheckoutCompleted {
			return nil
		}

		var paymentID *snowflake.ID
		outcome, paymentID, err = s.settle(ctx, tx, event)
		if err != nil {
			return err
		}
		return s.repo.UpdateEventOutcome(ctx, tx, event.Provider, event.EventID, paymentID, outcome)
	})
	if err != nil {
		return "", err
	}

	s.obsMetrics.RecordWebhookEvent(ctx, event.Provider, event.ProviderType, string(outcome))
	s.log.Info("payment event reconciled",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.ProviderType),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (paymentdomain.Outcome, *snowflake.ID, error) {
	if event.PaymentID == 0 || event.WorkspaceID == 0 {
		return paymentdomain.OutcomeUnknownPayment, nil, nil
	}
	payment, err := s.repo.FindByID(ctx, tx, event.WorkspaceID, event.PaymentID)
	if err != nil {
		return "", nil, err
	}
	if payment == nil {
		s.log.Warn("payment event references unknown payment",
			zap.String("event_id", event.EventID),
			zap.String("payment_id", event.PaymentID.String()),
		)
		return paymentdomain.OutcomeUnknownPayment, nil, nil
	}
	paymentID := payment.ID
	if payment.Status == paymentdomain.StatusPaid {
		return paymentdomain.OutcomeAlreadyPaid, &paymentID, nil
	}

	system := principal.System{Workspace: payment.WorkspaceID, Reason: webhookReason}
	res := authorization.Resource{Object: authorization.ObjectPayment, WorkspaceID: payment.WorkspaceID}
	if payment.TicketID != nil {
		system.TicketID = *payment.TicketID
		res.TicketID = *payment.TicketID
	}
	if err := s.authz.Authorize(ctx, system, res, authorization.ActionPaymentSettle); err != nil {
		return "", nil, err
	}

	if event.AmountCents != 0 && (event.AmountCents != payment.AmountCents || !strings.EqualFold(event.Currency, payment.Currency)) {
		s.log.Warn("payment event amount differs from payment",
			zap.String("payment_id", payment.ID.String()),
			zap.String("expected", money.Format(payment.AmountCents, payment.Currency)),
			zap.String("received", money.Format(event.AmountCents, event.Currency)),
		)
	}

	now := s.clock.Now()
	fields := map[string]any{
		"status":     paymentdomain.StatusPaid,
		"paid_at":    now,
		"updated_at": now,
	}
	if event.PaymentIntentID != "" {
		fields["payment_intent_id"] = event.PaymentIntentID
	}
	if event.SessionID != "" {
		fields["checkout_session_id"] = event.SessionID
	}
	// Money was captured, so a retired payment still records PAID.
	updated, err := s.repo.UpdateGuarded(ctx, tx, payment.WorkspaceID, payment.ID,
		[]paymentdomain.Status{paymentdomain.StatusPending, paymentdomain.StatusCanceled, paymentdomain.StatusExpired},
		fields)
	if err != nil {
		return "", nil, err
	}
	if !updated {
		current, err := s.repo.FindByID(ctx, tx, payment.WorkspaceID, payment.ID)
		if err != nil {
			return "", nil, err
		}
		if current != nil && current.Status == paymentdomain.StatusPaid {
			return paymentdomain.OutcomeAlreadyPaid, &paymentID, nil
		}
		return "", nil, s.conflict(ctx, tx, payment, "settle")
	}

	previous := payment.Status
	payment.Status = paymentdomain.StatusPaid

	if err := s.audit(ctx, tx, system, "payment.paid", payment, map[string]any{
		"event_id":        event.EventID,
		"previous_status": string(previous),
	}); err != nil {
		return "", nil, err
	}

	if payment.TicketID != nil {
		if err := s.settleTicket(ctx, tx, system, payment, now); err != nil {
			return "", nil, err
		}
	}
	return paymentdomain.OutcomeApplied, &paymentID, nil
}

// settleTicket drives the ticket of a paid payment and retires its other
// PENDING payments. Tickets no longer waiting for these terms are left alone.
func (s *Service) settleTicket(ctx context.Context, tx *gorm.DB, system principal.System, payment *paymentdomain.Payment, now time.Time) error {
	ticket, err := s.gate.SettlePayment(ctx, tx, system, *payment.TicketID, ticketdomain.PaymentTerms{
		PriceCents: payment.AmountCents,
		Currency:   payment.Currency,
	})
	switch {
	case errors.Is(err, ticketdomain.ErrInvalidTransition),
		errors.Is(err, ticketdomain.ErrTermsMismatch),
		errors.Is(err, ticketdomain.ErrNotFound):
		s.log.Warn("paid ticket not driven",
			zap.String("payment_id", payment.ID.String()),
			zap.String("ticket_id", payment.TicketID.String()),
			zap.Error(err),
		)
		return nil
	case err != nil:
		return err
	}
	s.log.Info("paid ticket converted",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("status", string(ticket.Status)),
	)

	retired, err := s.repo.CancelPendingForTicket(ctx, tx, payment.WorkspaceID, ticket.ID, now)
	if err != nil {
		return err
	}
	if retired > 0 {
		s.log.Info("retired pending payments of paid ticket",
			zap.String("ticket_id", ticket.ID.String()),
			zap.Int64("count", retired),
		)
	}
	return nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrProviderNotFound
	}
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.ProviderType = strings.TrimSpace(event.ProviderType)
	if event.ProviderType == "" {
		event.ProviderType = event.Type
	}
	return nil
}

func (s *Service) conflict(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment, action string) error {
	current, err := s.repo.FindByID(ctx, db, payment.WorkspaceID, payment.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return paymentdomain.ErrNotFound
	}
	return &paymentdomain.TransitionError{Current: current.Status, Action: action}
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, p principal.Principal, action string, payment *paymentdomain.Payment, extra map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	metadata := map[string]any{
		"project_id": payment.ProjectID.String(),
		"status":     string(payment.Status),
	}
	if payment.TicketID != nil {
		metadata["ticket_id"] = payment.TicketID.String()
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return s.auditSvc.AuditLog(ctx, tx, auditdomain.Entry{
		WorkspaceID: payment.WorkspaceID,
		ActorType:   string(p.Kind()),
		ActorID:     p.ActorID(),
		Action:      action,
		TargetType:  "payment",
		TargetID:    payment.ID.String(),
		Metadata:    metadata,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
