package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/coursepay/internal/clock"
	"github.com/smallbiznis/coursepay/internal/config"
	credentialdomain "github.com/smallbiznis/coursepay/internal/credential/domain"
	ledgerdomain "github.com/smallbiznis/coursepay/internal/ledger/domain"
	"github.com/smallbiznis/coursepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/coursepay/internal/observability/tracing"
	"github.com/smallbiznis/coursepay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(httpMetrics)
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	validate        *validator.Validate
	registry        *adapters.Registry
	credentials     credentialdomain.Store
	checkoutSvc     paymentdomain.CheckoutService
	webhookSvc      paymentdomain.WebhookService
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	clock           clock.Clock
	checkoutLimiter *ratelimit.CheckoutLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Registry        *adapters.Registry
	Credentials     credentialdomain.Store
	CheckoutSvc     paymentdomain.CheckoutService
	WebhookSvc      paymentdomain.WebhookService
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Clock           clock.Clock                `optional:"true"`
	CheckoutLimiter *ratelimit.CheckoutLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		validate:        newValidator(),
		registry:        p.Registry,
		credentials:     p.Credentials,
		checkoutSvc:     p.CheckoutSvc,
		webhookSvc:      p.WebhookSvc,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		clock:           p.Clock,
		checkoutLimiter: p.CheckoutLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerGatewayRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerGatewayRoutes() {
	gw := s.engine.Group("/gateway/:gatewayId")

	gw.POST("/checkout-session", s.CheckoutRateLimit(), s.CreateCheckoutSession)
	gw.POST("/webhook", s.HandlePaymentWebhook)
	gw.GET("/verify/:paymentId", s.VerifyPayment)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminTokenRequired())

	admin.GET("/gateways", s.ListGateways)
	admin.POST("/gateways/:gatewayId/invalidate", s.InvalidateGatewayCredentials)

	admin.GET("/purchases/:paymentId", s.GetPurchase)
	admin.GET("/users/:userId/purchases", s.ListUserPurchases)
	admin.GET("/users/:userId/subscriptions", s.ListUserSubscriptions)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
