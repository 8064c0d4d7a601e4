package receipt

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/config"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectdomain "github.com/smallbiznis/clientportal/internal/project/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// resolver serves one payment; every other Service method is unused here.
type resolver struct {
	paymentdomain.Service
	payment *paymentdomain.Payment
	err     error
	action  string
}

func (r *resolver) Resolve(_ context.Context, _ principal.Principal, _ snowflake.ID, action string) (*paymentdomain.Payment, *projectdomain.Project, error) {
	r.action = action
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.payment, &projectdomain.Project{
		ID: 1, WorkspaceID: 10, ClientID: 500, Name: "Website",
		ClientName: "Acme", ClientEmail: "billing@acme.test",
	}, nil
}

var client = principal.User{ID: 500, Workspace: 10, Role: principal.RoleClient}

func paidPayment() *paymentdomain.Payment {
	paidAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	intent := "pi_1"
	return &paymentdomain.Payment{
		ID:              1234,
		WorkspaceID:     10,
		ProjectID:       1,
		Title:           "Landing Page Redesign",
		Description:     "Design and build",
		AmountCents:     5000,
		Currency:        "EUR",
		Status:          paymentdomain.StatusPaid,
		PaymentIntentID: &intent,
		PaidAt:          &paidAt,
	}
}

func newService(r *resolver) *Service {
	return NewService(Params{Log: zap.NewNop(), Cfg: config.Config{AppName: "Studio"}, PaymentSvc: r})
}

func TestRenderPaidPayment(t *testing.T) {
	r := &resolver{payment: paidPayment()}
	receipt, err := newService(r).Render(context.Background(), client, 1234)
	require.NoError(t, err)

	assert.Equal(t, authorization.ActionPaymentReceipt, r.action)
	assert.Equal(t, "receipt-landing-page-redesign-1234.pdf", receipt.Filename)
	assert.True(t, bytes.HasPrefix(receipt.Content, []byte("%PDF")))
}

func TestRenderRequiresPaidStatus(t *testing.T) {
	payment := paidPayment()
	payment.Status = paymentdomain.StatusPending
	payment.PaidAt = nil

	_, err := newService(&resolver{payment: payment}).Render(context.Background(), client, 1234)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)
	var transitionErr *paymentdomain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, paymentdomain.StatusPending, transitionErr.Current)
}

func TestRenderPropagatesAccessErrors(t *testing.T) {
	_, err := newService(&resolver{err: paymentdomain.ErrNotFound}).Render(context.Background(), client, 1234)
	assert.ErrorIs(t, err, paymentdomain.ErrNotFound)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "receipt-hosting-2026-7.pdf", Filename(&paymentdomain.Payment{ID: 7, Title: "Hosting 2026"}))
	assert.Equal(t, "receipt-7.pdf", Filename(&paymentdomain.Payment{ID: 7, Title: "!!!"}))
}
