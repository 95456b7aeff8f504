package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/renthub-solutions/ms-go-rentpay/app/controller"
	"github.com/renthub-solutions/ms-go-rentpay/app/gateway"
	"github.com/renthub-solutions/ms-go-rentpay/app/repository"
	"github.com/renthub-solutions/ms-go-rentpay/app/service"
	"github.com/renthub-solutions/ms-go-rentpay/app/types"
	"github.com/renthub-solutions/ms-go-rentpay/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server for the rent payment service.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	paymentController := controller.NewPaymentController(paymentService)
	e := setupHTTPServer(paymentController, cfg.App.APIKey)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(paymentController *controller.PaymentController, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(requireRequestID())

	e.GET("/health", paymentController.Health)

	payments := e.Group("/payments", requireAPIKey(apiKey))
	payments.POST("", paymentController.SubmitPayment)
	payments.GET("", paymentController.ListPayments)
	payments.GET("/:id", paymentController.GetPayment)
	payments.POST("/:id/capture", paymentController.CapturePayment)
	payments.POST("/:id/refund", paymentController.RefundPayment)

	// Webhooks authenticate by gateway signature, not by API key.
	webhooks := e.Group("/webhooks/gateways")
	webhooks.POST("/:gateway/:hash", paymentController.HandleGatewayNotification)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func requireAPIKey(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if apiKey == "" {
				return next(ctx)
			}
			provided := strings.TrimSpace(ctx.Request().Header.Get("X-API-Key"))
			if provided != apiKey {
				return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "invalid api key"})
			}
			return next(ctx)
		}
	}
}

func mustCreatePaymentService() (*config.Config, *service.PaymentService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	paymentRepo := repository.NewPaymentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	stripeGateway := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:                 cfg.Stripe.SecretKey,
		WebhookSecret:             cfg.Stripe.WebhookSecret,
		SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
		HTTPTimeout:               cfg.Stripe.HTTPTimeout,
	})

	// One breaker per gateway: all callers share its view of gateway
	// health.
	stripeBreaker := gateway.NewBreaker(gateway.BreakerConfig{
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
		MinSamples:           int32(cfg.Breaker.MinSamples),
		Window:               cfg.Breaker.Window,
		Cooldown:             cfg.Breaker.Cooldown,
		HalfOpenMaxCalls:     int32(cfg.Breaker.HalfOpenMaxCalls),
	})

	gatewayRegistry := gateway.NewRegistry(gateway.WithBreaker(stripeGateway, stripeBreaker))
	detector := service.NewDetector(idempotencyRepo)
	retrier := service.NewRetrier(service.RetryPolicy{
		MaxAttempts: cfg.Payments.RetryMaxAttempts,
		BackoffBase: cfg.Payments.RetryBackoffBase,
	})

	paymentService := service.NewPaymentService(
		logrus.StandardLogger().WithField("module", "payments-service"),
		paymentRepo,
		auditRepo,
		notificationRepo,
		gatewayRegistry,
		detector,
		retrier,
		service.Config{
			MinAmountCents:        cfg.Payments.MinAmountCents,
			MaxAmountCents:        cfg.Payments.MaxAmountCents,
			GatewayTimeout:        cfg.Payments.GatewayTimeout,
			CallbackMaxAttempts:   cfg.Payments.CallbackMaxAttempts,
			CallbackRetryInterval: cfg.Payments.CallbackRetryInterval,
			CallbackHTTPTimeout:   cfg.Payments.CallbackHTTPTimeout,
			PendingTimeout:        cfg.Payments.PendingTimeout,
			ReconcileStaleAfter:   cfg.Payments.ReconcileStaleAfter,
			JobBatchSize:          cfg.Payments.JobBatchSize,
		},
	)

	cleanup := func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, paymentService, cleanup
}

func configureLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	return nil
}
