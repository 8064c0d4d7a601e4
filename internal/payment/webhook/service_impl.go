package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	auditdomain "github.com/smallbiznis/clientportal/internal/audit/domain"
	"github.com/smallbiznis/clientportal/internal/audit/masking"
	"github.com/smallbiznis/clientportal/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/principal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// signatureHeaders are inspected, in order, when recording a rejected delivery.
var signatureHeaders = []string{"Stripe-Signature"}

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Adapters   *adapters.Registry
	AuditSvc   auditdomain.Service `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	adapters   *adapters.Registry
	auditSvc   auditdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		auditSvc:   p.AuditSvc,
	}
}

// Ingest verifies one provider callback and reconciles it. Unverifiable
// deliveries are rejected before anything is written except the audit record.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrProviderNotFound
	}
	gateway, err := s.adapters.Get(provider)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", paymentdomain.ErrInvalidPayload
	}

	event, err := gateway.ParseWebhook(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			s.rejected(ctx, provider, headers, err)
		}
		return "", err
	}
	if event.Provider == "" {
		event.Provider = provider
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.paymentSvc.ProcessEvent(ctx, event)
}

func (s *Service) rejected(ctx context.Context, provider string, headers http.Header, cause error) {
	signature := ""
	for _, name := range signatureHeaders {
		if v := headers.Get(name); v != "" {
			signature = v
			break
		}
	}
	s.log.Warn("webhook signature rejected",
		zap.String("provider", provider),
		zap.String("signature", masking.MaskSecret(signature)),
		zap.Error(cause),
	)
	if s.auditSvc == nil {
		return
	}
	err := s.auditSvc.AuditLog(ctx, nil, auditdomain.Entry{
		ActorType:  string(principal.KindSystem),
		ActorID:    "payment.webhook",
		Action:     "payment.webhook.rejected",
		TargetType: "webhook",
		TargetID:   provider,
		Metadata: map[string]any{
			"reason":    cause.Error(),
			"signature": masking.MaskSecret(signature),
		},
	})
	if err != nil {
		s.log.Warn("audit rejected webhook failed", zap.Error(err))
	}
}
