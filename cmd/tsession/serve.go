package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/authkit"
	"github.com/tyemirov/tsession/internal/observability"
	"github.com/tyemirov/tsession/internal/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

const shutdownGracePeriod = 10 * time.Second

const (
	authRoutePrefix   = "/api"
	refreshCookiePath = "/api/auth"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidLoginRate        = "config.invalid_login_rate_per_minute"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeInvalidLogLevel         = "config.invalid_log_level"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the auth server: CSRF, login, rotating refresh tokens, and a guarded /api group",
		Args:    cobra.NoArgs,
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	serveCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	serveCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	serveCmd.Flags().Duration("session_ttl", 15*time.Minute, "Access token TTL")
	serveCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	serveCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	serveCmd.Flags().String("database_url", "", "Refresh token store (postgres://, sqlite://, redis://; empty for in-memory)")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (switches cookies to SameSite=None)")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	serveCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	serveCmd.Flags().StringSlice("seed_users", []string{}, "Users to create at start: email:password[:school_id:role[:school_name]]")
	serveCmd.Flags().Int("login_rate_per_minute", 30, "Login attempts allowed per client IP per minute; 0 disables")

	_ = viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", serveCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("google_web_client_id", serveCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("jwt_signing_key", serveCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("session_ttl", serveCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("refresh_ttl", serveCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("dev_insecure_http", serveCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", serveCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", serveCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", serveCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("nonce_ttl", serveCmd.Flags().Lookup("nonce_ttl"))
	_ = viper.BindPFlag("seed_users", serveCmd.Flags().Lookup("seed_users"))
	_ = viper.BindPFlag("login_rate_per_minute", serveCmd.Flags().Lookup("login_rate_per_minute"))

	return serveCmd
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// LoadServerConfig reads and validates the serve settings from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	loginRatePerMinute := viper.GetInt("login_rate_per_minute")
	if loginRatePerMinute < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidLoginRate, "login_rate_per_minute must not be negative")
	}

	nonceTTL := authkit.DefaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	sameSiteMode := http.SameSiteStrictMode
	if viper.GetBool("enable_cors") {
		sameSiteMode = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		GoogleWebClientID:  viper.GetString("google_web_client_id"),
		AppJWTSigningKey:   []byte(jwtSigningKey),
		AppJWTIssuer:       authkit.DefaultIssuer,
		CookieDomain:       viper.GetString("cookie_domain"),
		RefreshCookieName:  authkit.DefaultRefreshCookieName,
		RefreshCookiePath:  refreshCookiePath,
		TenantHeader:       viper.GetString("tenant_header"),
		SessionTTL:         sessionTTL,
		RefreshTTL:         refreshTTL,
		NonceTTL:           nonceTTL,
		SameSiteMode:       sameSiteMode,
		AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
		LoginRatePerMinute: loginRatePerMinute,
	}.WithDefaults(), nil
}

// serverComponents are the collaborators newRouter wires together.
type serverComponents struct {
	Users              *web.InMemoryUsers
	RefreshTokens      authkit.RefreshTokenStore
	GoogleValidator    authkit.GoogleTokenValidator
	Clock              authkit.Clock
	Metrics            *observability.PrometheusRecorder
	Registry           *prometheus.Registry
	Logger             *zap.Logger
	EnableCORS         bool
	CORSAllowedOrigins []string
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	if commandContext == nil {
		commandContext = context.Background()
	}
	serverConfig, ok := commandContext.Value(serverConfigContextKey).(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")

	users := web.NewInMemoryUsers()
	if seedErr := users.Seed(splitList(viper.GetStringSlice("seed_users"))); seedErr != nil {
		return seedErr
	}

	clock := authkit.NewSystemClock()
	refreshStore, driverLabel, storeErr := authkit.NewRefreshTokenStore(commandContext, databaseURL, clock)
	if storeErr != nil {
		return storeErr
	}

	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	} else {
		logger.Info("google sign-in disabled; google_web_client_id is empty")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := newRouter(serverConfig, serverComponents{
		Users:              users,
		RefreshTokens:      refreshStore,
		GoogleValidator:    googleValidator,
		Clock:              clock,
		Metrics:            observability.NewPrometheusRecorder(registry, ""),
		Registry:           registry,
		Logger:             logger,
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: splitList(viper.GetStringSlice("cors_allowed_origins")),
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if closer, closable := refreshStore.(io.Closer); closable {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				logger.Warn("refresh token store close failed", zap.String("code", "server.refresh_store.close_failed"), zap.Error(closeErr))
			}
		}()
	}

	signalCtx, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-served:
			return
		case <-signalCtx.Done():
		}
		logger.Info("shutting down", zap.String("addr", listenAddr))
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancelDrain()
		if shutdownErr := server.Shutdown(drainCtx); shutdownErr != nil {
			logger.Error("server shutdown failed", zap.String("code", "server.shutdown_failed"), zap.Error(shutdownErr))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.String("refresh_store", driverLabel))
	if serveErr := serveHTTP(server); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server.listen: %w", serveErr)
	}
	return nil
}

// newRouter mounts /metrics, /healthz, the auth routes under /api, and the guarded
// /api/me and /api/echo resources.
func newRouter(serverConfig authkit.ServerConfig, components serverComponents) (*gin.Engine, error) {
	serverConfig = serverConfig.WithDefaults()
	logger := components.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if components.Metrics != nil {
		router.Use(components.Metrics.GinMiddleware())
	}

	if components.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, components.CORSAllowedOrigins, serverConfig.CSRFHeaderName, serverConfig.TenantHeader)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	if components.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(components.Registry, promhttp.HandlerOpts{})))
	}
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	var metricsRecorder authkit.MetricsRecorder
	if components.Metrics != nil {
		metricsRecorder = components.Metrics
	}

	api := router.Group(authRoutePrefix)
	if mountErr := authkit.MountAuthRoutes(api, serverConfig, authkit.RouteDependencies{
		Users:           components.Users,
		RefreshTokens:   components.RefreshTokens,
		Nonces:          authkit.NonceStoreFor(components.RefreshTokens, serverConfig.NonceTTL, components.Clock),
		GoogleValidator: components.GoogleValidator,
		Clock:           components.Clock,
		Metrics:         metricsRecorder,
		Logger:          logger,
	}); mountErr != nil {
		return nil, mountErr
	}

	validator, validatorErr := authkit.NewAccessTokenValidator(serverConfig, components.Clock)
	if validatorErr != nil {
		return nil, validatorErr
	}
	protected := api.Group("",
		authkit.RequireBearer(validator),
		authkit.RequireCSRF(serverConfig, logger, metricsRecorder),
		authkit.RequireTenant(serverConfig.TenantHeader, components.Users, logger),
	)
	protected.GET("/me", web.HandleWhoAmI(logger, components.Users))
	protected.Any("/echo/*path", web.HandleEcho(logger))

	return router, nil
}

// zapLoggerMiddleware writes one entry per request; 4xx log at warn and 5xx at error.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		status := contextGin.Writer.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		}
		route := contextGin.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger.Log(level, "http",
			zap.String("method", contextGin.Request.Method),
			zap.String("route", route),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", status),
			zap.String("client_ip", contextGin.ClientIP()),
			zap.Duration("latency", time.Since(startTime)),
		)
	}
}
