package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/clock"
	taskdomain "github.com/smallbiznis/clientportal/internal/task/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  taskdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  taskdomain.Repository
}

func NewService(p Params) taskdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("task.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateFromTicket(ctx context.Context, tx *gorm.DB, input taskdomain.CreateFromTicketInput) (*taskdomain.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, taskdomain.ErrInvalidTitle
	}

	position, err := s.repo.NextPosition(ctx, tx, input.ProjectID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ticketID := input.TicketID
	task := &taskdomain.Task{
		ID:             s.genID.Generate(),
		WorkspaceID:    input.WorkspaceID,
		ProjectID:      input.ProjectID,
		Source:         taskdomain.SourceTicket,
		SourceTicketID: &ticketID,
		Title:          title,
		Description:    strings.TrimSpace(input.Description),
		Status:         taskdomain.StatusTodo,
		Position:       position,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, task); err != nil {
		return nil, err
	}

	s.log.Info("task created from ticket",
		zap.String("task_id", task.ID.String()),
		zap.String("ticket_id", ticketID.String()),
		zap.Int("position", position),
	)
	return task, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, id snowflake.ID) (*taskdomain.Task, error) {
	task, err := s.repo.FindByID(ctx, s.db, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, taskdomain.ErrNotFound
	}
	return task, nil
}
