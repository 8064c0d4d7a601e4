package payment

import (
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/payment/adapters"
	"github.com/smallbiznis/clientportal/internal/payment/adapters/stripe"
	"github.com/smallbiznis/clientportal/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/payment/receipt"
	"github.com/smallbiznis/clientportal/internal/payment/repository"
	paymentservice "github.com/smallbiznis/clientportal/internal/payment/service"
	"github.com/smallbiznis/clientportal/internal/payment/webhook"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(repo paymentdomain.Repository) ticketdomain.PendingPayments { return repo }),
	fx.Provide(func(cfg config.Config, log *zap.Logger) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.New(cfg.Stripe, log),
		)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(checkout.NewService),
	fx.Provide(webhook.NewService),
	fx.Provide(receipt.NewService),
)
