package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/config"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

const (
	ProviderName    = "stripe"
	SignatureHeader = "Stripe-Signature"
)

type Adapter struct {
	cfg config.StripeConfig
	api *client.API
	log *zap.Logger
}

func New(cfg config.StripeConfig, log *zap.Logger) *Adapter {
	log = log.Named("payment.stripe")
	adapter := &Adapter{cfg: cfg, log: log}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return adapter
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backendCfg := &stripego.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     log.Sugar(),
		MaxNetworkRetries: stripego.Int64(1),
	}
	if url := strings.TrimSpace(cfg.APIURL); url != "" {
		backendCfg.URL = stripego.String(url)
	}
	backends := &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg),
		Connect: stripego.GetBackendWithConfig(stripego.ConnectBackend, backendCfg),
		Uploads: stripego.GetBackendWithConfig(stripego.UploadsBackend, backendCfg),
	}
	adapter.api = client.New(cfg.SecretKey, backends)
	return adapter
}

func (a *Adapter) Provider() string {
	return ProviderName
}

func (a *Adapter) Configured() bool {
	return a.api != nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	if !a.Configured() {
		return nil, paymentdomain.ErrGatewayUnavailable
	}

	product := &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripego.String(req.Title),
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		product.Description = stripego.String(desc)
	}

	params := &stripego.CheckoutSessionParams{
		Mode:       stripego.String(string(stripego.CheckoutSessionModePayment)),
		SuccessURL: stripego.String(req.SuccessURL),
		CancelURL:  stripego.String(req.CancelURL),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			Quantity: stripego.Int64(1),
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripego.String(strings.ToLower(req.Currency)),
				UnitAmount:  stripego.Int64(req.AmountCents),
				ProductData: product,
			},
		}},
		PaymentIntentData: &stripego.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if id := req.Metadata["payment_id"]; id != "" {
		params.ClientReferenceID = stripego.String(id)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripego.String(email)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	session, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyError(err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("%w: empty checkout session", paymentdomain.ErrGatewayUnavailable)
	}
	return &paymentdomain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// classifyError treats throttling, 5xx and transport failures as the gateway
// being unavailable. Rejected requests are returned as plain errors.
func classifyError(err error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", paymentdomain.ErrGatewayUnavailable, stripeErr.Msg)
		}
		return fmt.Errorf("stripe checkout rejected: %s", stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
}

func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	secret := strings.TrimSpace(a.cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrGatewayUnavailable
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidSignature, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:     ProviderName,
		EventID:      event.ID,
		ProviderType: string(event.Type),
		Type:         paymentdomain.EventTypeIgnored,
		OccurredAt:   timestamp(event.Created),
		RawPayload:   payload,
	}

	switch event.Type {
	case stripego.EventTypeCheckoutSessionCompleted, stripego.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return out, nil
	}

	if event.Data == nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	var session stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// A completed session paid by a delayed method settles later through async_payment_succeeded.
	if event.Type == stripego.EventTypeCheckoutSessionCompleted &&
		session.PaymentStatus != stripego.CheckoutSessionPaymentStatusPaid {
		return out, nil
	}

	out.Type = paymentdomain.EventTypeCheckoutCompleted
	out.SessionID = session.ID
	if session.PaymentIntent != nil {
		out.PaymentIntentID = session.PaymentIntent.ID
	}
	out.AmountCents = session.AmountTotal
	out.Currency = strings.ToUpper(string(session.Currency))
	out.WorkspaceID = parseID(session.Metadata["workspace_id"])
	out.PaymentID = parseID(session.Metadata["payment_id"])
	if out.PaymentID == 0 {
		out.PaymentID = parseID(session.ClientReferenceID)
	}
	return out, nil
}

func parseID(raw string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func timestamp(unix int64) time.Time {
	if unix == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
