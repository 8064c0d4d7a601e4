package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/observability"
	obsmiddleware "github.com/smallbiznis/clientportal/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clientportal/internal/observability/metrics"
	obstracing "github.com/smallbiznis/clientportal/internal/observability/tracing"
	"github.com/smallbiznis/clientportal/internal/payment/checkout"
	paymentdomain "github.com/smallbiznis/clientportal/internal/payment/domain"
	"github.com/smallbiznis/clientportal/internal/payment/receipt"
	"github.com/smallbiznis/clientportal/internal/payment/webhook"
	ticketdomain "github.com/smallbiznis/clientportal/internal/ticket/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSAllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", obsmiddleware.RequestIDHeader},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition", obsmiddleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", httpMetrics.Handler())

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	jwtSecret   []byte
	jwtIssuer   string
	ticketSvc   ticketdomain.Service
	paymentSvc  paymentdomain.Service
	checkoutSvc *checkout.Service
	webhookSvc  *webhook.Service
	receiptSvc  *receipt.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	TicketSvc   ticketdomain.Service
	PaymentSvc  paymentdomain.Service
	CheckoutSvc *checkout.Service
	WebhookSvc  *webhook.Service
	ReceiptSvc  *receipt.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		jwtSecret:   []byte(p.Cfg.AuthJWTSecret),
		jwtIssuer:   p.Cfg.AuthJWTIssuer,
		ticketSvc:   p.TicketSvc,
		paymentSvc:  p.PaymentSvc,
		checkoutSvc: p.CheckoutSvc,
		webhookSvc:  p.WebhookSvc,
		receiptSvc:  p.ReceiptSvc,
	}
	if len(svc.jwtSecret) == 0 {
		svc.log.Warn("AUTH_JWT_SECRET is empty, every authenticated route will answer 401")
	}

	svc.registerPublicRoutes()
	svc.registerPortalRoutes()

	return svc
}

func (s *Server) registerPublicRoutes() {
	s.engine.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerPortalRoutes() {
	portal := s.engine.Group("", s.RequireIdentity())

	tickets := portal.Group("/tickets")
	{
		tickets.POST("", s.CreateTicket)
		tickets.GET("", s.ListTickets)
		tickets.GET("/:id", s.GetTicket)
		tickets.DELETE("/:id", s.DeleteTicket)
		tickets.POST("/:id/accept", s.AcceptTicket)
		tickets.POST("/:id/reject", s.RejectTicket)
		tickets.POST("/:id/needs-info", s.MarkTicketNeedsInfo)
		tickets.POST("/:id/request-payment", s.RequestTicketPayment)
		tickets.POST("/:id/convert-to-task", s.ConvertTicket)
	}

	payments := portal.Group("/payments")
	{
		payments.POST("", s.CreatePayment)
		payments.GET("", s.ListPayments)
		payments.GET("/:id", s.GetPayment)
		payments.GET("/:id/receipt", s.DownloadPaymentReceipt)
		payments.POST("/:id/cancel", s.CancelPayment)
		payments.POST("/:id/checkout-session", s.CreateCheckoutSession)
	}
}
