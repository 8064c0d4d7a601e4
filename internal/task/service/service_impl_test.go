package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/clientportal/internal/clock"
	taskdomain "github.com/smallbiznis/clientportal/internal/task/domain"
	"github.com/smallbiznis/clientportal/internal/task/repository"
	"github.com/smallbiznis/clientportal/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestCreateFromTicketAppendsAtEnd(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.SeedProject(t, db, testutil.ProjectSeed{ID: 1, WorkspaceID: 10, ClientID: 5})
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: clock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	ctx := context.Background()

	var first, second *taskdomain.Task
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		first, err = svc.CreateFromTicket(ctx, tx, taskdomain.CreateFromTicketInput{
			WorkspaceID: 10, ProjectID: 1, TicketID: 100, Title: " Fix login ", Description: "broken",
		})
		if err != nil {
			return err
		}
		second, err = svc.CreateFromTicket(ctx, tx, taskdomain.CreateFromTicketInput{
			WorkspaceID: 10, ProjectID: 1, TicketID: 101, Title: "Add export",
		})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 0, first.Position)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, "Fix login", first.Title)
	assert.Equal(t, taskdomain.SourceTicket, first.Source)

	got, err := svc.Get(ctx, 10, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "Add export", got.Title)
	require.NotNil(t, got.SourceTicketID)
	assert.EqualValues(t, 101, *got.SourceTicketID)

	_, err = svc.Get(ctx, 11, second.ID)
	assert.ErrorIs(t, err, taskdomain.ErrNotFound)
}

func TestCreateFromTicketRejectsDuplicateTicket(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.SeedProject(t, db, testutil.ProjectSeed{ID: 1, WorkspaceID: 10, ClientID: 5})
	svc := NewService(Params{
		DB: db, Log: zap.NewNop(), GenID: testutil.Node(t), Clock: clock.SystemClock{}, Repo: repository.Provide(),
	})
	input := taskdomain.CreateFromTicketInput{WorkspaceID: 10, ProjectID: 1, TicketID: 100, Title: "Once"}

	_, err := svc.CreateFromTicket(context.Background(), db, input)
	require.NoError(t, err)
	_, err = svc.CreateFromTicket(context.Background(), db, input)
	require.Error(t, err)
	testutil.AssertCount(t, db, "tasks", 1)
}
