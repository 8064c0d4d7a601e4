package authorization

import (
	"context"
	_ "embed"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/clientportal/internal/principal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectTicket  = "ticket"
	ObjectPayment = "payment"
)

const (
	ActionTicketView           = "ticket.view"
	ActionTicketCreate         = "ticket.create"
	ActionTicketAccept         = "ticket.accept"
	ActionTicketReject         = "ticket.reject"
	ActionTicketNeedsInfo      = "ticket.needs_info"
	ActionTicketRequestPayment = "ticket.request_payment"
	ActionTicketMarkPaid       = "ticket.mark_paid"
	ActionTicketConvert        = "ticket.convert"
	ActionTicketDelete         = "ticket.delete"

	ActionPaymentView     = "payment.view"
	ActionPaymentCreate   = "payment.create"
	ActionPaymentCancel   = "payment.cancel"
	ActionPaymentCheckout = "payment.checkout"
	ActionPaymentReceipt  = "payment.receipt"
	ActionPaymentSettle   = "payment.settle"
)

const (
	roleClient = "role:client"
	roleAdmin  = "role:admin"
	roleSystem = "role:system"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Resource is the target of an authorization check.
//
// OwnerID is the client that owns the parent project. Client principals must
// match it. TicketID scopes system principals bound to one ticket.
type Resource struct {
	Object      string
	WorkspaceID snowflake.ID
	OwnerID     snowflake.ID
	TicketID    snowflake.ID
}

type Authorizer interface {
	Authorize(ctx context.Context, p principal.Principal, res Resource, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type Service struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("authorization"),
		enforcer: p.Enforcer,
	}
}

// NewEnforcer loads policies from the casbin_rule table and seeds the built-in roles.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewMemoryEnforcer builds an enforcer with only the built-in roles and no storage.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func (s *Service) Authorize(ctx context.Context, p principal.Principal, res Resource, action string) error {
	if p == nil || p.WorkspaceID() == 0 {
		return ErrUnauthenticated
	}
	if res.WorkspaceID != p.WorkspaceID() {
		return s.deny(p, res, action, "workspace_mismatch")
	}

	var subject string
	switch actor := p.(type) {
	case principal.User:
		switch actor.Role {
		case principal.RoleAdmin:
			subject = roleAdmin
		case principal.RoleClient:
			subject = roleClient
			if res.OwnerID == 0 || res.OwnerID != actor.ID {
				return s.deny(p, res, action, "not_owner")
			}
		default:
			return s.deny(p, res, action, "unknown_role")
		}
	case principal.System:
		subject = roleSystem
		if actor.TicketID != 0 && res.TicketID != actor.TicketID {
			return s.deny(p, res, action, "ticket_scope")
		}
	default:
		return ErrUnauthenticated
	}

	allowed, err := s.enforcer.Enforce(subject, res.Object, action)
	if err != nil {
		return err
	}
	if !allowed {
		return s.deny(p, res, action, "policy")
	}
	return nil
}

func (s *Service) deny(p principal.Principal, res Resource, action string, reason string) error {
	s.log.Warn("authorization denied",
		zap.String("actor_type", string(p.Kind())),
		zap.String("actor_id", p.ActorID()),
		zap.String("object", res.Object),
		zap.String("action", action),
		zap.String("reason", reason),
	)
	return ErrForbidden
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Clients act on their own projects only.
		{roleClient, ObjectTicket, ActionTicketView},
		{roleClient, ObjectTicket, ActionTicketCreate},
		{roleClient, ObjectPayment, ActionPaymentView},
		{roleClient, ObjectPayment, ActionPaymentCheckout},
		{roleClient, ObjectPayment, ActionPaymentReceipt},

		{roleAdmin, ObjectTicket, ActionTicketAccept},
		{roleAdmin, ObjectTicket, ActionTicketReject},
		{roleAdmin, ObjectTicket, ActionTicketNeedsInfo},
		{roleAdmin, ObjectTicket, ActionTicketRequestPayment},
		{roleAdmin, ObjectTicket, ActionTicketConvert},
		{roleAdmin, ObjectTicket, ActionTicketDelete},
		{roleAdmin, ObjectPayment, ActionPaymentCreate},
		{roleAdmin, ObjectPayment, ActionPaymentCancel},

		// Webhook reconciliation.
		{roleSystem, ObjectTicket, ActionTicketView},
		{roleSystem, ObjectTicket, ActionTicketMarkPaid},
		{roleSystem, ObjectTicket, ActionTicketConvert},
		{roleSystem, ObjectPayment, ActionPaymentView},
		{roleSystem, ObjectPayment, ActionPaymentSettle},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	// Admins inherit every client capability.
	_, err := enforcer.AddGroupingPolicy(roleAdmin, roleClient)
	return err
}
