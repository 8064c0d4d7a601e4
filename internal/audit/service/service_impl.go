package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/clientportal/internal/audit/domain"
	"github.com/smallbiznis/clientportal/internal/clock"
	obscontext "github.com/smallbiznis/clientportal/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, db *gorm.DB, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if db == nil {
		db = s.db
	}

	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  strings.TrimSpace(entry.ActorType),
		ActorID:    optionalString(entry.ActorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   optionalString(entry.TargetID),
		RequestID:  optionalString(obscontext.RequestIDFromContext(ctx)),
		CreatedAt:  s.clock.Now(),
	}
	if entry.WorkspaceID != 0 {
		workspaceID := entry.WorkspaceID
		row.WorkspaceID = &workspaceID
	}
	if len(entry.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(entry.Metadata)
	}

	if err := s.repo.Insert(ctx, db, &row); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
