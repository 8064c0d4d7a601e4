package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/lock"
	obsmetrics "github.com/smallbiznis/clientportal/internal/observability/metrics"
	"github.com/smallbiznis/clientportal/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/principal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type sessionLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Registry   *adapters.Registry
	Config     *config.CheckoutConfigHolder
	Lock       *lock.Locker        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	registry   *adapters.Registry
	config     *config.CheckoutConfigHolder
	lock       sessionLock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("payment.checkout"),
		paymentSvc: p.PaymentSvc,
		registry:   p.Registry,
		config:     p.Config,
		lock:       p.Lock,
		obsMetrics: p.ObsMetrics,
	}
}

// CreateSession opens a hosted checkout for a pending payment and stores the
// provider session on it. The returned URL is where the client is redirected.
func (s *Service) CreateSession(ctx context.Context, p principal.Principal, paymentID snowflake.ID) (*paymentdomain.CheckoutSession, error) {
	payment, project, err := s.paymentSvc.Resolve(ctx, p, paymentID, authorization.ActionPaymentCheckout)
	if err != nil {
		return nil, err
	}
	if payment.Status != paymentdomain.StatusPending {
		return nil, &paymentdomain.TransitionError{Current: payment.Status, Action: "checkout"}
	}

	cfg := s.config.Get()
	gateway, err := s.registry.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	provider := gateway.Provider()
	if !gateway.Configured() {
		s.obsMetrics.RecordCheckoutSession(ctx, provider, "not_configured")
		return nil, paymentdomain.ErrGatewayUnavailable
	}

	key := lock.CheckoutSessionKey(payment.ID.String())
	token, acquired, err := s.lock.TryLock(ctx, key, cfg.SessionLockTTL)
	if err != nil {
		s.log.Warn("checkout lock unavailable", zap.String("payment_id", payment.ID.String()), zap.Error(err))
		return nil, paymentdomain.ErrGatewayUnavailable
	}
	if !acquired {
		s.obsMetrics.RecordCheckoutSession(ctx, provider, "in_progress")
		return nil, paymentdomain.ErrCheckoutInProgress
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("checkout lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	metadata := map[string]string{
		"payment_id":   payment.ID.String(),
		"workspace_id": payment.WorkspaceID.String(),
		"project_id":   payment.ProjectID.String(),
	}
	if payment.TicketID != nil {
		metadata["ticket_id"] = payment.TicketID.String()
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	session, err := gateway.CreateCheckoutSession(callCtx, paymentdomain.CheckoutRequest{
		AmountCents:    payment.AmountCents,
		Currency:       payment.Currency,
		Title:          payment.Title,
		Description:    payment.Description,
		CustomerEmail:  project.ClientEmail,
		Metadata:       metadata,
		SuccessURL:     cfg.SuccessURLFor(payment.ID.String()),
		CancelURL:      cfg.CancelURLFor(payment.ID.String()),
		IdempotencyKey: ulid.Make().String(),
	})
	if err != nil {
		reason := "failed"
		if errors.Is(err, paymentdomain.ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			reason = "unavailable"
			err = errors.Join(paymentdomain.ErrGatewayUnavailable, err)
		}
		s.obsMetrics.RecordCheckoutSession(ctx, provider, reason)
		s.log.Warn("checkout session not created",
			zap.String("provider", provider),
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	if err := s.paymentSvc.AttachCheckoutSession(ctx, payment.WorkspaceID, payment.ID, session.ID); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCheckoutSession(ctx, provider, "created")
	s.log.Info("checkout session created",
		zap.String("provider", provider),
		zap.String("payment_id", payment.ID.String()),
		zap.String("session_id", session.ID),
	)
	return session, nil
}
