package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditrepository "github.com/smallbiznis/clientportal/internal/audit/repository"
	auditservice "github.com/smallbiznis/clientportal/internal/audit/service"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/clock"
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/principal"
	projectrepository "github.com/smallbiznis/clientportal/internal/project/repository"
	taskdomain "github.com/smallbiznis/clientportal/internal/task/domain"
	taskrepository "github.com/smallbiznis/clientportal/internal/task/repository"
	taskservice "github.com/smallbiznis/clientportal/internal/task/service"
	"github.com/smallbiznis/clientportal/internal/testutil"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"github.com/smallbiznis/clientportal/internal/ticket/repository"
	"github.com/smallbiznis/clientportal/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	workspaceID snowflake.ID = 10
	projectID   snowflake.ID = 1
	clientID    snowflake.ID = 500
	adminID     snowflake.ID = 900
)

var (
	admin  = principal.User{ID: adminID, Workspace: workspaceID, Role: principal.RoleAdmin}
	client = principal.User{ID: clientID, Workspace: workspaceID, Role: principal.RoleClient}
)

type fixture struct {
	db      *gorm.DB
	svc     *Service
	taskSvc taskdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	testutil.SeedProject(t, db, testutil.ProjectSeed{ID: projectID, WorkspaceID: workspaceID, ClientID: clientID})
	testutil.SeedProject(t, db, testutil.ProjectSeed{ID: 2, WorkspaceID: workspaceID, ClientID: 501, Name: "Shop"})

	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	enforcer, err := authorization.NewMemoryEnforcer()
	require.NoError(t, err)

	taskSvc := taskservice.NewService(taskservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: taskrepository.Provide(),
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: auditrepository.Provide(),
	})

	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Cfg:         config.Config{DefaultCurrency: "eur"},
		Repo:        repository.Provide(),
		ProjectRepo: projectrepository.Provide(),
		TaskSvc:     taskSvc,
		Authz:       authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		AuditSvc:    auditSvc,
	})
	return fixture{db: db, svc: svc, taskSvc: taskSvc}
}

func (f fixture) create(t *testing.T, p principal.Principal, price *int64) *ticketdomain.Ticket {
	t.Helper()
	ticket, err := f.svc.Create(context.Background(), p, ticketdomain.CreateRequest{
		ProjectID:   projectID,
		Type:        "bug",
		Title:       "Checkout button broken",
		Description: "Nothing happens on click",
		PriceCents:  price,
	})
	require.NoError(t, err)
	return ticket
}

func price(v int64) *int64 { return &v }

func TestCreate(t *testing.T) {
	f := newFixture(t)

	free := f.create(t, client, nil)
	assert.Equal(t, ticketdomain.StatusOpen, free.Status)
	assert.Equal(t, ticketdomain.TypeBug, free.Type)
	assert.Equal(t, clientID, free.CreatedBy)
	require.NotNil(t, free.Currency)
	assert.Equal(t, "EUR", *free.Currency)

	priced := f.create(t, admin, price(5000))
	assert.Equal(t, ticketdomain.StatusPaymentRequired, priced.Status)
	assert.True(t, priced.RequiresPayment)

	zero := f.create(t, admin, price(0))
	assert.Equal(t, ticketdomain.StatusOpen, zero.Status)
	assert.Nil(t, zero.PriceCents)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, client, ticketdomain.CreateRequest{ProjectID: projectID, Type: "feature", Title: "x"})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidType)

	_, err = f.svc.Create(ctx, client, ticketdomain.CreateRequest{ProjectID: projectID, Type: "bug", Title: "  "})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidTitle)

	_, err = f.svc.Create(ctx, admin, ticketdomain.CreateRequest{ProjectID: projectID, Type: "bug", Title: "x", PriceCents: price(-1)})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidPrice)

	_, err = f.svc.Create(ctx, admin, ticketdomain.CreateRequest{ProjectID: projectID, Type: "bug", Title: "x", Currency: "EURO"})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidCurrency)

	// Project 2 belongs to another client.
	_, err = f.svc.Create(ctx, client, ticketdomain.CreateRequest{ProjectID: 2, Type: "bug", Title: "x"})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	testutil.AssertCount(t, f.db, "tickets", 0)
}

func TestAcceptFreeTicketConvertsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	accepted, err := f.svc.Accept(ctx, admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusConverted, accepted.Status)
	require.NotNil(t, accepted.ConvertedTaskID)

	task, err := f.taskSvc.Get(ctx, workspaceID, *accepted.ConvertedTaskID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Title, task.Title)
	assert.Equal(t, taskdomain.SourceTicket, task.Source)
	testutil.AssertCount(t, f.db, "tasks", 1)

	again, err := f.svc.Convert(ctx, admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, *accepted.ConvertedTaskID, *again.ConvertedTaskID)
	testutil.AssertCount(t, f.db, "tasks", 1)

	// Every further action on a converted ticket reports it unchanged.
	rejected, err := f.svc.Reject(ctx, admin, ticket.ID, "too late")
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusConverted, rejected.Status)
}

func TestAcceptPricedTicketStopsAtPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	_, err := f.svc.RequestPayment(ctx, admin, ticket.ID, ticketdomain.PaymentTerms{PriceCents: 2500, Description: "Extra work"})
	require.NoError(t, err)

	_, err = f.svc.Convert(ctx, admin, ticket.ID)
	require.ErrorIs(t, err, ticketdomain.ErrInvalidTransition)

	var transitionErr *ticketdomain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, ticketdomain.StatusPaymentRequired, transitionErr.Current)
	testutil.AssertCount(t, f.db, "tasks", 0)
}

func TestAcceptPricedOpenTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	err := f.db.Exec("UPDATE tickets SET price_cents = 900 WHERE id = ?", ticket.ID).Error
	require.NoError(t, err)

	accepted, err := f.svc.Accept(ctx, admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusPaymentRequired, accepted.Status)
	assert.Nil(t, accepted.ConvertedTaskID)
	testutil.AssertCount(t, f.db, "tasks", 0)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	rejected, err := f.svc.Reject(ctx, admin, ticket.ID, " out of scope ")
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.StatusReason)
	assert.Equal(t, "out of scope", *rejected.StatusReason)

	_, err = f.svc.Accept(ctx, admin, ticket.ID)
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidTransition)
	_, err = f.svc.Convert(ctx, admin, ticket.ID)
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidTransition)
	_, err = f.svc.RequestPayment(ctx, admin, ticket.ID, ticketdomain.PaymentTerms{PriceCents: 100})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidTransition)
}

func TestNeedsInfoThenAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	waiting, err := f.svc.MarkNeedsInfo(ctx, admin, ticket.ID, "Which browser?")
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusNeedsInfo, waiting.Status)

	accepted, err := f.svc.Accept(ctx, admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusConverted, accepted.Status)
}

func TestClientAccessIsScopedToOwnProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	_, err := f.svc.Accept(ctx, client, ticket.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	stranger := principal.User{ID: 501, Workspace: workspaceID, Role: principal.RoleClient}
	_, err = f.svc.Get(ctx, stranger, ticket.ID)
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	got, err := f.svc.Get(ctx, client, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)
}

func TestForeignWorkspaceIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	outsider := principal.User{ID: adminID, Workspace: 99, Role: principal.RoleAdmin}
	_, err := f.svc.Get(ctx, outsider, ticket.ID)
	assert.ErrorIs(t, err, ticketdomain.ErrNotFound)
	_, err = f.svc.Accept(ctx, outsider, ticket.ID)
	assert.ErrorIs(t, err, ticketdomain.ErrNotFound)
}

func TestRequestAndReleasePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	gated, err := f.svc.RequestPayment(ctx, admin, ticket.ID, ticketdomain.PaymentTerms{PriceCents: 4200, Currency: "usd", Description: "Rush fee"})
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusPaymentRequired, gated.Status)
	assert.True(t, gated.RequiresPayment)
	require.NotNil(t, gated.PriceCents)
	assert.EqualValues(t, 4200, *gated.PriceCents)
	assert.Equal(t, "USD", *gated.Currency)

	_, err = f.svc.RequestPayment(ctx, admin, ticket.ID, ticketdomain.PaymentTerms{PriceCents: 0})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidPrice)

	var released *ticketdomain.Ticket
	var ok bool
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		released, ok, err = f.svc.ReleasePayment(ctx, tx, admin, ticket.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ticketdomain.StatusAccepted, released.Status)
	assert.False(t, released.RequiresPayment)
	assert.Nil(t, released.PriceCents)

	// Releasing again leaves the ticket alone.
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		released, ok, err = f.svc.ReleasePayment(ctx, tx, admin, ticket.ID)
		return err
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ticketdomain.StatusAccepted, released.Status)
}

var paid5000 = ticketdomain.PaymentTerms{PriceCents: 5000, Currency: "EUR"}

func TestSettlePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, admin, price(5000))

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.SettlePayment(ctx, tx, admin, ticket.ID, paid5000)
		return err
	})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	otherTicket := principal.System{Workspace: workspaceID, TicketID: ticket.ID + 1, Reason: "payment.webhook"}
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.SettlePayment(ctx, tx, otherTicket, ticket.ID, paid5000)
		return err
	})
	assert.ErrorIs(t, err, authorization.ErrForbidden)

	system := principal.System{Workspace: workspaceID, TicketID: ticket.ID, Reason: "payment.webhook"}
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.SettlePayment(ctx, tx, system, ticket.ID, ticketdomain.PaymentTerms{PriceCents: 3000, Currency: "EUR"})
		return err
	})
	assert.ErrorIs(t, err, ticketdomain.ErrTermsMismatch)
	unpaid, err := f.svc.Get(ctx, admin, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusPaymentRequired, unpaid.Status)

	var settled *ticketdomain.Ticket
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		settled, err = f.svc.SettlePayment(ctx, tx, system, ticket.ID, paid5000)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ticketdomain.StatusConverted, settled.Status)
	require.NotNil(t, settled.ConvertedTaskID)
	testutil.AssertCount(t, f.db, "tasks", 1)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		again, err := f.svc.SettlePayment(ctx, tx, system, ticket.ID, paid5000)
		if err == nil {
			assert.Equal(t, *settled.ConvertedTaskID, *again.ConvertedTaskID)
		}
		return err
	})
	require.NoError(t, err)
	testutil.AssertCount(t, f.db, "tasks", 1)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	assert.ErrorIs(t, f.svc.Delete(ctx, client, ticket.ID), authorization.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, admin, ticket.ID))

	_, err := f.svc.Get(ctx, admin, ticket.ID)
	assert.ErrorIs(t, err, ticketdomain.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, admin, ticket.ID), ticketdomain.ErrNotFound)
}

func TestListPaginatesAndScopesClients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t, client, nil)
	}
	_, err := f.svc.Create(ctx, admin, ticketdomain.CreateRequest{ProjectID: 2, Type: "question", Title: "Other client"})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, admin, ticketdomain.ListRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Tickets, 4)
	assert.False(t, all.HasMore)

	first, err := f.svc.List(ctx, client, ticketdomain.ListRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Tickets, 2)
	assert.True(t, first.HasMore)
	assert.Greater(t, first.Tickets[0].ID, first.Tickets[1].ID)

	second, err := f.svc.List(ctx, client, ticketdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Tickets, 1)
	assert.False(t, second.HasMore)

	questions, err := f.svc.List(ctx, admin, ticketdomain.ListRequest{Type: "question"})
	require.NoError(t, err)
	assert.Len(t, questions.Tickets, 1)

	_, err = f.svc.List(ctx, admin, ticketdomain.ListRequest{Status: "DONE"})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidStatus)
}

func TestTransitionsAreAudited(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, client, nil)

	_, err := f.svc.Accept(context.Background(), admin, ticket.ID)
	require.NoError(t, err)

	// create, accept, convert
	testutil.AssertCount(t, f.db, "audit_logs", 3)
}

func TestSettlePaymentIgnoresTicketsNotAwaitingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.create(t, client, nil)

	system := principal.System{Workspace: workspaceID, TicketID: ticket.ID, Reason: "payment.webhook"}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.SettlePayment(ctx, tx, system, ticket.ID, paid5000)
		return err
	})
	assert.ErrorIs(t, err, ticketdomain.ErrInvalidTransition)
	testutil.AssertCount(t, f.db, "tasks", 0)
}
