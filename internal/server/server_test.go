package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	auditrepository "github.com/smallbiznis/clientportal/internal/audit/repository"
	auditservice "github.com/smallbiznis/clientportal/internal/audit/service"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/clock"
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/observability"
	obsmetrics "github.com/smallbiznis/clientportal/internal/observability/metrics"
	"github.com/smallbiznis/clientportal/internal/payment/adapters"
	"github.com/smallbiznis/clientportal/internal/payment/adapters/stripe"
	"github.com/smallbiznis/clientportal/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/payment/receipt"
	paymentrepository "github.com/smallbiznis/clientportal/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clientportal/internal/payment/service"
	"github.com/smallbiznis/clientportal/internal/payment/webhook"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectrepository "github.com/smallbiznis/clientportal/internal/project/repository"
	taskrepository "github.com/smallbiznis/clientportal/internal/task/repository"
	taskservice "github.com/smallbiznis/clientportal/internal/task/service"
	"github.com/smallbiznis/clientportal/internal/testutil"
	ticketrepository "github.com/smallbiznis/clientportal/internal/ticket/repository"
	ticketservice "github.com/smallbiznis/clientportal/internal/ticket/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testJWTSecret     = "portal-test-secret"
	testJWTIssuer     = "portal-test"
	testWebhookSecret = "whsec_portal_test"

	workspaceID snowflake.ID = 10
	projectID   snowflake.ID = 1
)

var (
	admin  = principal.User{ID: 900, Workspace: workspaceID, Role: principal.RoleAdmin}
	client = principal.User{ID: 500, Workspace: workspaceID, Role: principal.RoleClient}
)

// sessionGateway verifies real Stripe webhooks but answers checkout requests locally.
type sessionGateway struct {
	*stripe.Adapter
	sessions int
}

func (g *sessionGateway) Configured() bool { return true }

func (g *sessionGateway) CreateCheckoutSession(_ context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	g.sessions++
	id := fmt.Sprintf("cs_test_%d", g.sessions)
	return &paymentdomain.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

type testServer struct {
	engine  *gin.Engine
	db      *gorm.DB
	gateway *sessionGateway
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	testutil.SeedProject(t, db, testutil.ProjectSeed{ID: projectID, WorkspaceID: workspaceID, ClientID: client.ID})

	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
	cfg := config.Config{
		AppName:         "Studio",
		DefaultCurrency: "EUR",
		AuthJWTSecret:   testJWTSecret,
		AuthJWTIssuer:   testJWTIssuer,
		Stripe:          config.StripeConfig{WebhookSecret: testWebhookSecret},
	}

	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepository.Provide(),
	})
	taskSvc := taskservice.NewService(taskservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: taskrepository.Provide(),
	})
	tickets := ticketservice.NewService(ticketservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Cfg:         cfg,
		Repo:        ticketrepository.Provide(),
		ProjectRepo: projectrepository.Provide(),
		TaskSvc:     taskSvc,
		Authz:       authz,
		Payments:    paymentrepository.Provide(),
		AuditSvc:    auditSvc,
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Cfg:         cfg,
		Repo:        paymentrepository.Provide(),
		ProjectRepo: projectrepository.Provide(),
		Gate:        tickets,
		Authz:       authz,
		AuditSvc:    auditSvc,
	})

	gateway := &sessionGateway{Adapter: stripe.New(cfg.Stripe, zap.NewNop())}
	registry := adapters.NewRegistry(gateway)

	engine := NewEngine(cfg, observability.Config{}, obsmetrics.NewHTTPMetrics())
	NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Log:        zap.NewNop(),
		TicketSvc:  tickets,
		PaymentSvc: payments,
		CheckoutSvc: checkout.NewService(checkout.Params{
			Log:        zap.NewNop(),
			PaymentSvc: payments,
			Registry:   registry,
			Config:     config.NewStaticCheckoutConfig(config.DefaultCheckoutConfig()),
		}),
		WebhookSvc: webhook.NewService(webhook.Params{
			Log:        zap.NewNop(),
			PaymentSvc: payments,
			Adapters:   registry,
			AuditSvc:   auditSvc,
		}),
		ReceiptSvc: receipt.NewService(receipt.Params{Log: zap.NewNop(), Cfg: cfg, PaymentSvc: payments}),
	})

	return testServer{engine: engine, db: db, gateway: gateway}
}

func token(t *testing.T, user principal.User, secret, issuer string) string {
	t.Helper()
	claims := identityClaims{
		WorkspaceID: user.Workspace.String(),
		Role:        string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (s testServer) do(t *testing.T, user *principal.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *user, testJWTSecret, testJWTIssuer))
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

type ticketBody struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	ConvertedTaskID string `json:"converted_task_id"`
}

type paymentBody struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CheckoutSessionID string `json:"checkout_session_id"`
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func signedWebhook(payload []byte, secret string) *http.Request {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	req := httptest.NewRequest(http.MethodPost, "/payments/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(stripe.SignatureHeader, fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func completedEvent(eventID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1767225600,
  "api_version": "2024-09-30.acacia",
  "data": {
    "object": {
      "id": "cs_test_1",
      "object": "checkout.session",
      "payment_status": "paid",
      "payment_intent": "pi_1",
      "amount_total": 5000,
      "currency": "eur",
      "metadata": {"payment_id": %q, "workspace_id": "10", "project_id": "1"}
    }
  }
}`, eventID, paymentID))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireIdentity(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nil, http.MethodGet, "/tickets", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	cases := map[string]string{
		"wrong secret": token(t, client, "another-secret", testJWTIssuer),
		"wrong issuer": token(t, client, testJWTSecret, "someone-else"),
		"unknown role": token(t, principal.User{ID: 500, Workspace: workspaceID, Role: "owner"}, testJWTSecret, testJWTIssuer),
		"malformed":    "not-a-jwt",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tickets", nil)
			req.Header.Set("Authorization", "Bearer "+raw)
			rec := httptest.NewRecorder()
			s.engine.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec = s.do(t, &client, http.MethodGet, "/tickets", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTicketWorkflowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, &client, http.MethodPost, "/tickets", map[string]any{
		"project_id":  projectID.String(),
		"type":        "modification",
		"title":       "Change hero copy",
		"description": "New tagline",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[ticketBody](t, rec)
	assert.Equal(t, "OPEN", created.Status)

	rec = s.do(t, &client, http.MethodPost, "/tickets/"+created.ID+"/accept", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/needs-info", map[string]any{"reason": "which page?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "NEEDS_INFO", decodeData[ticketBody](t, rec).Status)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/request-payment", map[string]any{
		"price_cents": 5000,
		"currency":    "eur",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PAYMENT_REQUIRED", decodeData[ticketBody](t, rec).Status)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/convert-to-task", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decodeError(t, rec)
	assert.Equal(t, "invalid_transition", conflict.Type)
	assert.Equal(t, "PAYMENT_REQUIRED", conflict.CurrentStatus)

	rec = s.do(t, &client, http.MethodGet, "/tickets?status=PAYMENT_REQUIRED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeData[struct {
		Tickets []ticketBody `json:"tickets"`
		HasMore bool         `json:"has_more"`
	}](t, rec)
	require.Len(t, listed.Tickets, 1)
	assert.Equal(t, created.ID, listed.Tickets[0].ID)
	assert.False(t, listed.HasMore)

	rec = s.do(t, &admin, http.MethodDelete, "/tickets/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, &admin, http.MethodGet, "/tickets/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptFreeTicketConvertsOnce(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, &client, http.MethodPost, "/tickets", map[string]any{
		"project_id": projectID.String(),
		"type":       "bug",
		"title":      "Broken footer link",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[ticketBody](t, rec)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decodeData[ticketBody](t, rec)
	assert.Equal(t, "CONVERTED", accepted.Status)
	require.NotEmpty(t, accepted.ConvertedTaskID)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/convert-to-task", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decodeData[ticketBody](t, rec)
	assert.Equal(t, "CONVERTED", again.Status)
	assert.Equal(t, accepted.ConvertedTaskID, again.ConvertedTaskID)
	testutil.AssertCount(t, s.db, "tasks", 1)

	rec = s.do(t, &admin, http.MethodPost, "/tickets/"+created.ID+"/reject", map[string]any{"reason": "too late"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONVERTED", decodeError(t, rec).CurrentStatus)
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, &client, http.MethodPost, "/tickets", map[string]any{
		"project_id": projectID.String(),
		"type":       "wishlist",
		"title":      "Something",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "type", payload.Errors[0].Field)
	assert.Equal(t, "invalid_type", payload.Errors[0].Code)

	rec = s.do(t, &client, http.MethodPost, "/tickets", map[string]any{"project_id": "abc", "type": "bug", "title": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "project_id", decodeError(t, rec).Errors[0].Field)

	rec = s.do(t, &client, http.MethodGet, "/tickets?page_token=not*base64", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, &client, http.MethodGet, "/tickets/not-an-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, &client, http.MethodGet, "/payments/123456", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentCheckoutAndWebhook(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, &admin, http.MethodPost, "/tickets", map[string]any{
		"project_id":  projectID.String(),
		"type":        "improvement",
		"title":       "Online booking",
		"price_cents": 5000,
		"currency":    "EUR",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decodeData[ticketBody](t, rec)
	require.Equal(t, "PAYMENT_REQUIRED", ticket.Status)

	rec = s.do(t, &admin, http.MethodPost, "/payments", map[string]any{
		"project_id":   projectID.String(),
		"ticket_id":    ticket.ID,
		"title":        "Online booking",
		"amount_cents": 5000,
		"currency":     "eur",
		"due_at":       "2026-03-31",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeData[paymentBody](t, rec)
	assert.Equal(t, "PENDING", payment.Status)

	rec = s.do(t, &client, http.MethodGet, "/payments/"+payment.ID+"/receipt", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PENDING", decodeError(t, rec).CurrentStatus)

	rec = s.do(t, &client, http.MethodPost, "/payments/"+payment.ID+"/checkout-session", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decodeData[checkoutSessionResponse](t, rec)
	assert.Equal(t, "cs_test_1", session.SessionID)
	assert.Equal(t, "https://checkout.test/cs_test_1", session.URL)
	assert.Equal(t, 1, s.gateway.sessions)

	webhookRec := httptest.NewRecorder()
	s.engine.ServeHTTP(webhookRec, signedWebhook(completedEvent("evt_1", payment.ID), testWebhookSecret))
	require.Equal(t, http.StatusOK, webhookRec.Code, webhookRec.Body.String())
	assert.JSONEq(t, `{"received":true}`, webhookRec.Body.String())

	rec = s.do(t, &client, http.MethodGet, "/payments/"+payment.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAID", decodeData[paymentBody](t, rec).Status)

	rec = s.do(t, &client, http.MethodGet, "/tickets/"+ticket.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	converted := decodeData[ticketBody](t, rec)
	assert.Equal(t, "CONVERTED", converted.Status)
	assert.NotEmpty(t, converted.ConvertedTaskID)
	testutil.AssertCount(t, s.db, "tasks", 1)

	// Redelivery is acknowledged without side effects.
	webhookRec = httptest.NewRecorder()
	s.engine.ServeHTTP(webhookRec, signedWebhook(completedEvent("evt_1", payment.ID), testWebhookSecret))
	assert.Equal(t, http.StatusOK, webhookRec.Code)
	testutil.AssertCount(t, s.db, "tasks", 1)
	testutil.AssertCount(t, s.db, "processed_events", 1)

	rec = s.do(t, &client, http.MethodGet, "/payments/"+payment.ID+"/receipt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, receipt.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "receipt-online-booking-"+payment.ID+".pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = s.do(t, &admin, http.MethodPost, "/payments/"+payment.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "PAID", decodeError(t, rec).CurrentStatus)
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, signedWebhook(completedEvent("evt_9", "42"), "whsec_forged"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Type)
	testutil.AssertCount(t, s.db, "processed_events", 0)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhooks/paypal", bytes.NewReader([]byte(`{}`)))
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPaymentReleasesTicket(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, &admin, http.MethodPost, "/tickets", map[string]any{
		"project_id":  projectID.String(),
		"type":        "improvement",
		"title":       "Newsletter",
		"price_cents": 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decodeData[ticketBody](t, rec)

	rec = s.do(t, &admin, http.MethodPost, "/payments", map[string]any{
		"project_id":   projectID.String(),
		"ticket_id":    ticket.ID,
		"title":        "Newsletter",
		"amount_cents": 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeData[paymentBody](t, rec)

	rec = s.do(t, &client, http.MethodPost, "/payments/"+payment.ID+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, &admin, http.MethodPost, "/payments/"+payment.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELED", decodeData[paymentBody](t, rec).Status)

	rec = s.do(t, &client, http.MethodGet, "/tickets/"+ticket.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACCEPTED", decodeData[ticketBody](t, rec).Status)

	rec = s.do(t, &client, http.MethodGet, "/payments?status=canceled", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listed := decodeData[struct {
		Payments []paymentBody `json:"payments"`
	}](t, rec)
	require.Len(t, listed.Payments, 1)
	assert.Equal(t, payment.ID, listed.Payments[0].ID)
}
