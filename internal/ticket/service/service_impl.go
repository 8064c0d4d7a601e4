package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/clientportal/internal/audit/domain"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/clock"
	"github.com/smallbiznis/clientportal/internal/config"
	obsmetrics "github.com/smallbiznis/clientportal/internal/observability/metrics"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectdomain "github.com/smallbiznis/clientportal/internal/project/domain"
	taskdomain "github.com/smallbiznis/clientportal/internal/task/domain"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"github.com/smallbiznis/clientportal/pkg/db"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
	"github.com/smallbiznis/clientportal/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cfg         config.Config
	Repo        ticketdomain.Repository
	ProjectRepo projectdomain.Repository
	TaskSvc     taskdomain.Service
	Authz       authorization.Authorizer
	Payments    ticketdomain.PendingPayments `optional:"true"`
	AuditSvc    auditdomain.Service          `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	defaultCurrency string
	repo            ticketdomain.Repository
	projectRepo     projectdomain.Repository
	taskSvc         taskdomain.Service
	authz           authorization.Authorizer
	payments        ticketdomain.PendingPayments
	auditSvc        auditdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Cfg.DefaultCurrency))
	if currency == "" {
		currency = "EUR"
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("ticket.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		defaultCurrency: currency,
		repo:            p.Repo,
		projectRepo:     p.ProjectRepo,
		taskSvc:         p.TaskSvc,
		authz:           p.Authz,
		payments:        p.Payments,
		auditSvc:        p.AuditSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, p principal.Principal, req ticketdomain.CreateRequest) (*ticketdomain.Ticket, error) {
	if p == nil {
		return nil, authorization.ErrUnauthenticated
	}
	ticketType, ok := ticketdomain.ParseType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if !ok {
		return nil, ticketdomain.ErrInvalidType
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ticketdomain.ErrInvalidTitle
	}
	if req.ProjectID == 0 {
		return nil, ticketdomain.ErrInvalidProject
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return nil, ticketdomain.ErrInvalidPrice
	}
	currency, err := s.normalizeCurrency(req.Currency, nil)
	if err != nil {
		return nil, err
	}

	project, err := s.projectRepo.FindByID(ctx, s.db, p.WorkspaceID(), req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, projectdomain.ErrNotFound
	}
	if err := s.authz.Authorize(ctx, p, authorization.Resource{
		Object:      authorization.ObjectTicket,
		WorkspaceID: project.WorkspaceID,
		OwnerID:     project.ClientID,
	}, authorization.ActionTicketCreate); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ticket := &ticketdomain.Ticket{
		ID:              s.genID.Generate(),
		WorkspaceID:     project.WorkspaceID,
		ProjectID:       project.ID,
		CreatedBy:       principal.CreatorID(p),
		Type:            ticketType,
		Title:           title,
		Description:     strings.TrimSpace(req.Description),
		Status:          ticketdomain.StatusOpen,
		RequiresPayment: req.RequiresPayment,
		Currency:        &currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.PriceCents != nil && *req.PriceCents > 0 {
		price := *req.PriceCents
		ticket.PriceCents = &price
		ticket.RequiresPayment = true
		ticket.Status = ticketdomain.StatusPaymentRequired
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, ticket); err != nil {
			return err
		}
		return s.audit(ctx, tx, p, "ticket.create", ticket, "", ticket.Status, nil)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordTicketTransition(ctx, "create")
	return ticket, nil
}

func (s *Service) Get(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
	ticket, err := s.load(ctx, s.db, p, id, authorization.ActionTicketView)
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *Service) List(ctx context.Context, p principal.Principal, req ticketdomain.ListRequest) (ticketdomain.ListResponse, error) {
	if p == nil {
		return ticketdomain.ListResponse{}, authorization.ErrUnauthenticated
	}

	filter := ticketdomain.ListFilter{
		WorkspaceID: p.WorkspaceID(),
		ProjectID:   req.ProjectID,
		Limit:       req.Limit() + 1,
	}
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status, ok := ticketdomain.ParseStatus(strings.ToUpper(raw))
		if !ok {
			return ticketdomain.ListResponse{}, ticketdomain.ErrInvalidStatus
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(req.Type); raw != "" {
		ticketType, ok := ticketdomain.ParseType(strings.ToUpper(raw))
		if !ok {
			return ticketdomain.ListResponse{}, ticketdomain.ErrInvalidType
		}
		filter.Type = ticketType
	}
	if user, ok := p.(principal.User); ok && !user.IsAdmin() {
		filter.ClientID = user.ID
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return ticketdomain.ListResponse{}, err
	}
	if cursor != nil {
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ticketdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		filter.BeforeID = beforeID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return ticketdomain.ListResponse{}, err
	}
	items, pageInfo := pagination.Page(items, req.Limit(), func(t ticketdomain.Ticket) string {
		return t.ID.String()
	})
	return ticketdomain.ListResponse{PageInfo: pageInfo, Tickets: items}, nil
}

// Accept moves a triaged ticket forward. A priced ticket stops at
// PAYMENT_REQUIRED; a free one is accepted and converted in the same transaction.
func (s *Service) Accept(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
	var result *ticketdomain.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.apply(ctx, tx, p, id, ticketdomain.ActionAccept, authorization.ActionTicketAccept, nil)
		if err != nil {
			return err
		}
		if ticket.Status == ticketdomain.StatusAccepted {
			ticket, err = s.convert(ctx, tx, p, ticket)
			if err != nil {
				return err
			}
		}
		result = ticket
		return nil
	})
	if err != nil {
		return s.recoverConversion(ctx, p, id, err)
	}
	return result, nil
}

func (s *Service) Reject(ctx context.Context, p principal.Principal, id snowflake.ID, reason string) (*ticketdomain.Ticket, error) {
	return s.applyInTx(ctx, p, id, ticketdomain.ActionReject, authorization.ActionTicketReject, func(_ *ticketdomain.Ticket, fields map[string]any) {
		fields["status_reason"] = optionalString(reason)
	})
}

func (s *Service) MarkNeedsInfo(ctx context.Context, p principal.Principal, id snowflake.ID, reason string) (*ticketdomain.Ticket, error) {
	return s.applyInTx(ctx, p, id, ticketdomain.ActionNeedsInfo, authorization.ActionTicketNeedsInfo, func(_ *ticketdomain.Ticket, fields map[string]any) {
		fields["status_reason"] = optionalString(reason)
	})
}

func (s *Service) RequestPayment(ctx context.Context, p principal.Principal, id snowflake.ID, terms ticketdomain.PaymentTerms) (*ticketdomain.Ticket, error) {
	var result *ticketdomain.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.RequirePayment(ctx, tx, p, id, terms)
		if err != nil {
			return err
		}
		result = ticket
		return s.retireStalePayments(ctx, tx, ticket)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Convert(ctx context.Context, p principal.Principal, id snowflake.ID) (*ticketdomain.Ticket, error) {
	var result *ticketdomain.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.load(ctx, tx, p, id, authorization.ActionTicketConvert)
		if err != nil {
			return err
		}
		result, err = s.convert(ctx, tx, p, ticket)
		return err
	})
	if err != nil {
		return s.recoverConversion(ctx, p, id, err)
	}
	return result, nil
}

func (s *Service) Delete(ctx context.Context, p principal.Principal, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.load(ctx, tx, p, id, authorization.ActionTicketDelete)
		if err != nil {
			return err
		}
		deleted, err := s.repo.SoftDelete(ctx, tx, ticket.WorkspaceID, ticket.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !deleted {
			return ticketdomain.ErrNotFound
		}
		return s.audit(ctx, tx, p, "ticket.delete", ticket, ticket.Status, ticket.Status, nil)
	})
}

func (s *Service) RequirePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID, terms ticketdomain.PaymentTerms) (*ticketdomain.Ticket, error) {
	if terms.PriceCents <= 0 {
		return nil, ticketdomain.ErrInvalidPrice
	}
	if strings.TrimSpace(terms.Currency) != "" {
		if _, err := s.normalizeCurrency(terms.Currency, nil); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, tx, p, ticketID, ticketdomain.ActionRequestPayment, authorization.ActionTicketRequestPayment,
		func(t *ticketdomain.Ticket, fields map[string]any) {
			currency, err := s.normalizeCurrency(terms.Currency, t.Currency)
			if err != nil {
				currency = s.defaultCurrency
			}
			fields["requires_payment"] = true
			fields["price_cents"] = terms.PriceCents
			fields["currency"] = currency
			fields["payment_description"] = optionalString(terms.Description)
			fields["status_reason"] = nil
		})
}

// retireStalePayments cancels PENDING payments created for earlier terms of ticket.
func (s *Service) retireStalePayments(ctx context.Context, tx *gorm.DB, ticket *ticketdomain.Ticket) error {
	if s.payments == nil || ticket.PriceCents == nil || ticket.Currency == nil {
		return nil
	}
	retired, err := s.payments.CancelStalePendingForTicket(ctx, tx, ticket.WorkspaceID, ticket.ID, *ticket.PriceCents, *ticket.Currency, s.clock.Now())
	if err != nil {
		return err
	}
	if retired > 0 {
		s.log.Info("retired pending payments with outdated terms",
			zap.String("ticket_id", ticket.ID.String()),
			zap.Int64("count", retired),
		)
	}
	return nil
}

func (s *Service) ReleasePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID) (*ticketdomain.Ticket, bool, error) {
	ticket, err := s.load(ctx, tx, p, ticketID, authorization.ActionTicketRequestPayment)
	if err != nil {
		return nil, false, err
	}
	if ticket.Status != ticketdomain.StatusPaymentRequired || ticket.Converted() {
		return ticket, false, nil
	}

	released, err := s.write(ctx, tx, p, ticket, ticketdomain.ActionReleasePayment, func(_ *ticketdomain.Ticket, fields map[string]any) {
		fields["requires_payment"] = false
		fields["price_cents"] = nil
		fields["payment_description"] = nil
	})
	if err != nil {
		var transitionErr *ticketdomain.TransitionError
		if errors.As(err, &transitionErr) {
			// Status moved underneath us; leave the ticket as it now is.
			current, loadErr := s.repo.FindByID(ctx, tx, ticket.WorkspaceID, ticket.ID)
			return current, false, loadErr
		}
		return nil, false, err
	}
	return released, true, nil
}

func (s *Service) SettlePayment(ctx context.Context, tx *gorm.DB, p principal.Principal, ticketID snowflake.ID, terms ticketdomain.PaymentTerms) (*ticketdomain.Ticket, error) {
	if p == nil || p.Kind() != principal.KindSystem {
		return nil, authorization.ErrForbidden
	}

	ticket, err := s.load(ctx, tx, p, ticketID, authorization.ActionTicketMarkPaid)
	if err != nil {
		return nil, err
	}
	if ticket.Converted() {
		return s.reassertConverted(ctx, tx, ticket)
	}

	switch ticket.Status {
	case ticketdomain.StatusPaymentRequired:
		if !termsMatch(ticket, terms) {
			return nil, ticketdomain.ErrTermsMismatch
		}
		ticket, err = s.write(ctx, tx, p, ticket, ticketdomain.ActionMarkPaid, nil)
		if err != nil {
			return nil, err
		}
	case ticketdomain.StatusPaid:
	default:
		return nil, &ticketdomain.TransitionError{Current: ticket.Status, Action: ticketdomain.ActionMarkPaid}
	}
	if err := s.authorizeIn(ctx, tx, p, ticket, authorization.ActionTicketConvert); err != nil {
		return nil, err
	}
	return s.convert(ctx, tx, p, ticket)
}

func termsMatch(ticket *ticketdomain.Ticket, terms ticketdomain.PaymentTerms) bool {
	if ticket.PriceCents == nil || *ticket.PriceCents != terms.PriceCents {
		return false
	}
	return ticket.Currency == nil || strings.EqualFold(*ticket.Currency, terms.Currency)
}

// convert materializes the task for ticket and marks it CONVERTED. ticket must
// have been loaded inside tx.
func (s *Service) convert(ctx context.Context, tx *gorm.DB, p principal.Principal, ticket *ticketdomain.Ticket) (*ticketdomain.Ticket, error) {
	if ticket.Converted() {
		return s.reassertConverted(ctx, tx, ticket)
	}
	if _, err := ticketdomain.Transition(ticket.Status, ticketdomain.ActionConvert, ticket.Priced()); err != nil {
		return nil, err
	}

	task, err := s.taskSvc.CreateFromTicket(ctx, tx, taskdomain.CreateFromTicketInput{
		WorkspaceID: ticket.WorkspaceID,
		ProjectID:   ticket.ProjectID,
		TicketID:    ticket.ID,
		Title:       ticket.Title,
		Description: ticket.Description,
	})
	if err != nil {
		return nil, err
	}

	converted, err := s.write(ctx, tx, p, ticket, ticketdomain.ActionConvert, func(_ *ticketdomain.Ticket, fields map[string]any) {
		fields["converted_task_id"] = task.ID
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordTicketConversion(ctx, string(taskdomain.SourceTicket))
	s.log.Info("ticket converted",
		zap.String("ticket_id", ticket.ID.String()),
		zap.String("task_id", task.ID.String()),
		zap.String("actor_type", string(p.Kind())),
	)
	return converted, nil
}

// reassertConverted repairs a ticket whose task link exists but whose status drifted.
func (s *Service) reassertConverted(ctx context.Context, tx *gorm.DB, ticket *ticketdomain.Ticket) (*ticketdomain.Ticket, error) {
	if ticket.Status == ticketdomain.StatusConverted {
		return ticket, nil
	}
	if _, err := s.repo.UpdateGuarded(ctx, tx, ticket.WorkspaceID, ticket.ID, ticket.Status, map[string]any{
		"status":     ticketdomain.StatusConverted,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return nil, err
	}
	return s.reload(ctx, tx, ticket)
}

// recoverConversion turns a lost conversion race into the idempotent result:
// when another caller already converted the ticket, its state is returned.
func (s *Service) recoverConversion(ctx context.Context, p principal.Principal, id snowflake.ID, cause error) (*ticketdomain.Ticket, error) {
	if !db.IsDuplicateKeyErr(cause) && !errors.Is(cause, ticketdomain.ErrInvalidTransition) {
		return nil, cause
	}
	current, err := s.repo.FindByID(ctx, s.db, p.WorkspaceID(), id)
	if err != nil || current == nil || !current.Converted() {
		return nil, cause
	}
	return current, nil
}

func (s *Service) applyInTx(
	ctx context.Context,
	p principal.Principal,
	id snowflake.ID,
	action ticketdomain.Action,
	authzAction string,
	mutate func(*ticketdomain.Ticket, map[string]any),
) (*ticketdomain.Ticket, error) {
	var result *ticketdomain.Ticket
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.apply(ctx, tx, p, id, action, authzAction, mutate)
		result = ticket
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// apply loads, authorizes and transitions the ticket. Converted tickets are
// returned unchanged whatever the action.
func (s *Service) apply(
	ctx context.Context,
	tx *gorm.DB,
	p principal.Principal,
	id snowflake.ID,
	action ticketdomain.Action,
	authzAction string,
	mutate func(*ticketdomain.Ticket, map[string]any),
) (*ticketdomain.Ticket, error) {
	ticket, err := s.load(ctx, tx, p, id, authzAction)
	if err != nil {
		return nil, err
	}
	if ticket.Converted() {
		return s.reassertConverted(ctx, tx, ticket)
	}
	return s.write(ctx, tx, p, ticket, action, mutate)
}

// write persists the transition guarded by the status ticket was read with.
func (s *Service) write(
	ctx context.Context,
	tx *gorm.DB,
	p principal.Principal,
	ticket *ticketdomain.Ticket,
	action ticketdomain.Action,
	mutate func(*ticketdomain.Ticket, map[string]any),
) (*ticketdomain.Ticket, error) {
	next, err := ticketdomain.Transition(ticket.Status, action, ticket.Priced())
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"status":     next,
		"updated_at": s.clock.Now(),
	}
	if mutate != nil {
		mutate(ticket, fields)
	}

	updated, err := s.repo.UpdateGuarded(ctx, tx, ticket.WorkspaceID, ticket.ID, ticket.Status, fields)
	if err != nil {
		return nil, err
	}
	if !updated {
		current, err := s.repo.FindByID(ctx, tx, ticket.WorkspaceID, ticket.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ticketdomain.ErrNotFound
		}
		return nil, &ticketdomain.TransitionError{Current: current.Status, Action: action}
	}

	result, err := s.reload(ctx, tx, ticket)
	if err != nil {
		return nil, err
	}
	if err := s.audit(ctx, tx, p, "ticket."+string(action), result, ticket.Status, result.Status, nil); err != nil {
		return nil, err
	}
	s.obsMetrics.RecordTicketTransition(ctx, string(action))
	return result, nil
}

// load fetches a live ticket in the caller's workspace and authorizes action on it.
func (s *Service) load(ctx context.Context, tx *gorm.DB, p principal.Principal, id snowflake.ID, action string) (*ticketdomain.Ticket, error) {
	if p == nil {
		return nil, authorization.ErrUnauthenticated
	}
	ticket, err := s.repo.FindByID(ctx, tx, p.WorkspaceID(), id)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, ticketdomain.ErrNotFound
	}
	if err := s.authorizeIn(ctx, tx, p, ticket, action); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *Service) authorizeIn(ctx context.Context, tx *gorm.DB, p principal.Principal, ticket *ticketdomain.Ticket, action string) error {
	res := authorization.Resource{
		Object:      authorization.ObjectTicket,
		WorkspaceID: ticket.WorkspaceID,
		TicketID:    ticket.ID,
	}
	// Only client principals are checked against project ownership.
	if user, ok := p.(principal.User); ok && !user.IsAdmin() {
		project, err := s.projectRepo.FindByID(ctx, tx, ticket.WorkspaceID, ticket.ProjectID)
		if err != nil {
			return err
		}
		if project == nil {
			return ticketdomain.ErrNotFound
		}
		res.OwnerID = project.ClientID
	}
	return s.authz.Authorize(ctx, p, res, action)
}

func (s *Service) reload(ctx context.Context, tx *gorm.DB, ticket *ticketdomain.Ticket) (*ticketdomain.Ticket, error) {
	current, err := s.repo.FindByID(ctx, tx, ticket.WorkspaceID, ticket.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ticketdomain.ErrNotFound
	}
	return current, nil
}

func (s *Service) audit(
	ctx context.Context,
	tx *gorm.DB,
	p principal.Principal,
	action string,
	ticket *ticketdomain.Ticket,
	from, to ticketdomain.Status,
	extra map[string]any,
) error {
	if s.auditSvc == nil {
		return nil
	}
	metadata := map[string]any{
		"project_id": ticket.ProjectID.String(),
		"to":         string(to),
	}
	if from != "" {
		metadata["from"] = string(from)
	}
	if ticket.ConvertedTaskID != nil {
		metadata["task_id"] = ticket.ConvertedTaskID.String()
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return s.auditSvc.AuditLog(ctx, tx, auditdomain.Entry{
		WorkspaceID: ticket.WorkspaceID,
		ActorType:   string(p.Kind()),
		ActorID:     p.ActorID(),
		Action:      action,
		TargetType:  "ticket",
		TargetID:    ticket.ID.String(),
		Metadata:    metadata,
	})
}

func (s *Service) normalizeCurrency(raw string, fallback *string) (string, error) {
	if strings.TrimSpace(raw) == "" && fallback != nil {
		raw = *fallback
	}
	if strings.TrimSpace(raw) == "" {
		return s.defaultCurrency, nil
	}
	currency, ok := money.NormalizeCurrency(raw)
	if !ok {
		return "", ticketdomain.ErrInvalidCurrency
	}
	return currency, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
