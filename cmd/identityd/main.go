package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/krishisetu/krishisetu/internal/api/handler"
	"github.com/krishisetu/krishisetu/internal/events"
	"github.com/krishisetu/krishisetu/internal/identity"
	"github.com/krishisetu/krishisetu/internal/notify"
	"github.com/krishisetu/krishisetu/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("identityd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("identityd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.frontend_url", "http://localhost:3000")
	viper.SetDefault("database.url", "")
	viper.SetDefault("session.key_file", "keys/session.key")
	viper.SetDefault("session.ttl", "24h")
	viper.SetDefault("session.issuer", "")
	viper.SetDefault("otp.ttl", "10m")
	viper.SetDefault("otp.length", 6)
	viper.SetDefault("otp.per_phone_per_minute", 3)
	viper.SetDefault("otp.max_attempts", 5)
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from_address", "noreply@krishisetu.in")
	viper.SetDefault("auth.auto_confirm_email", false)
	viper.SetDefault("notify.log_bodies", false)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	httpPort := viper.GetInt("server.port")
	issuerURL := viper.GetString("session.issuer")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}

	// ── Session tokens ───────────────────────────────────────────────────────
	keyFile := viper.GetString("session.key_file")
	key, err := identity.LoadOrCreateKey(keyFile)
	if err != nil {
		return fmt.Errorf("session key: %w", err)
	}
	if keyFile == "" {
		logger.Warn("session.key_file is empty: using an ephemeral key, sessions end on restart")
	}
	tokens := identity.NewTokenIssuer(key, issuerURL)

	// ── Email / SMS ──────────────────────────────────────────────────────────
	senderLogger := logger
	if viper.GetBool("notify.log_bodies") {
		// Local development only: message bodies hold live codes and links.
		dev, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build sender logger: %w", err)
		}
		senderLogger = dev
		logger.Warn("notify.log_bodies is set: one-time codes and confirmation links are logged")
	}
	logSender := notify.NewLogSender(senderLogger)
	var mailer notify.EmailSender = logSender
	if host := viper.GetString("email.smtp_host"); host != "" {
		mailer = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     host,
			Port:     viper.GetInt("email.smtp_port"),
			Username: viper.GetString("email.smtp_username"),
			Password: viper.GetString("email.smtp_password"),
			From:     viper.GetString("email.from_address"),
		})
		logger.Info("SMTP email sender configured", zap.String("host", host))
	} else {
		logger.Info("email sender: log (set email.smtp_host to enable SMTP)")
	}
	// TODO: wire an SMS gateway sender; one-time codes are only logged for now.
	var sms notify.SMSSender = logSender

	// ── Accounts ─────────────────────────────────────────────────────────────
	svcCfg := users.Config{
		FrontendURL:      viper.GetString("server.frontend_url"),
		SessionTTL:       viper.GetDuration("session.ttl"),
		CodeTTL:          viper.GetDuration("otp.ttl"),
		CodeLength:       viper.GetInt("otp.length"),
		MaxCodeAttempts:  viper.GetInt("otp.max_attempts"),
		CodesPerMinute:   viper.GetInt("otp.per_phone_per_minute"),
		AutoConfirmEmail: viper.GetBool("auth.auto_confirm_email"),
	}

	var svc *users.Service
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		svc = users.NewService(users.NewPostgresRepository(db), mailer, sms, svcCfg, logger)
	} else {
		logger.Warn("database.url is empty: using the in-memory store, data is lost on restart")
		svc = users.NewService(users.NewMemoryRepository(), mailer, sms, svcCfg, logger)
	}

	broker := events.NewBroker(logger)
	broker.SetDropRecorder(handler.RecordPushDrop)

	authHandler := handler.NewAuthHandler(svc, tokens, broker, logger)
	profileHandler := handler.NewProfileHandler(svc, svc, tokens, logger)
	eventsHandler := handler.NewEventsHandler(broker, svc, tokens, logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (64 KB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64<<10)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	authHandler.Register(v1)
	profileHandler.Register(v1)
	eventsHandler.Register(v1)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})

	// ── Background: purge spent codes, links and sessions every 10 minutes ──
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := svc.PurgeExpired(ctx)
				cancel()
				if err != nil {
					logger.Warn("purge expired records", zap.Error(err))
				} else if n > 0 {
					logger.Debug("purged expired records", zap.Int64("count", n))
				}
			case <-stop:
				return
			}
		}
	}()

	// Push streams are long-lived, so there is no WriteTimeout.
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("identityd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	close(stop)
	logger.Info("shutting down identityd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("identityd stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
