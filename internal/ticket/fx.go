package ticket

import (
	"github.com/smallbiznis/clientportal/internal/ticket/domain"
	"github.com/smallbiznis/clientportal/internal/ticket/repository"
	"github.com/smallbiznis/clientportal/internal/ticket/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ticket.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc *service.Service) domain.Service { return svc }),
	fx.Provide(func(svc *service.Service) domain.PaymentGate { return svc }),
)
