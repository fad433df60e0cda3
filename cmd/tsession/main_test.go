package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/authkit"
	"github.com/tyemirov/tsession/internal/observability"
	"github.com/tyemirov/tsession/internal/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/idtoken"
)

func TestZapLoggerMiddlewareLevelsByStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, entries := observer.New(zapcore.DebugLevel)
	router := gin.New()
	router.Use(zapLoggerMiddleware(zap.New(core)))
	router.GET("/status/:code", func(contextGin *gin.Context) {
		switch contextGin.Param("code") {
		case "teapot":
			contextGin.Status(http.StatusTeapot)
		case "broken":
			contextGin.Status(http.StatusBadGateway)
		default:
			contextGin.Status(http.StatusNoContent)
		}
	})

	testCases := []struct {
		path          string
		expectedLevel zapcore.Level
		expectedRoute string
	}{
		{path: "/status/ok", expectedLevel: zapcore.InfoLevel, expectedRoute: "/status/:code"},
		{path: "/status/teapot", expectedLevel: zapcore.WarnLevel, expectedRoute: "/status/:code"},
		{path: "/status/broken", expectedLevel: zapcore.ErrorLevel, expectedRoute: "/status/:code"},
		{path: "/nowhere", expectedLevel: zapcore.WarnLevel, expectedRoute: "unmatched"},
	}
	for _, testCase := range testCases {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, testCase.path, nil))
		logged := entries.TakeAll()
		if len(logged) != 1 {
			t.Fatalf("%s: expected one entry, got %d", testCase.path, len(logged))
		}
		if logged[0].Level != testCase.expectedLevel {
			t.Fatalf("%s: expected level %s, got %s", testCase.path, testCase.expectedLevel, logged[0].Level)
		}
		if route := logged[0].ContextMap()["route"]; route != testCase.expectedRoute {
			t.Fatalf("%s: expected route %q, got %v", testCase.path, testCase.expectedRoute, route)
		}
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		settings        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			settings:        map[string]any{"session_ttl": time.Minute, "refresh_ttl": time.Hour},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive session ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "session_ttl": 0, "refresh_ttl": time.Hour},
			expectedMessage: "config.invalid_session_ttl: session_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "session_ttl": time.Minute, "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "negative login rate",
			settings:        map[string]any{"jwt_signing_key": "signing-secret", "session_ttl": time.Minute, "refresh_ttl": time.Hour, "login_rate_per_minute": -1},
			expectedMessage: "config.invalid_login_rate_per_minute: login_rate_per_minute must not be negative",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("session_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("enable_cors", true)

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if serverConfig.RefreshCookiePath != refreshCookiePath {
		t.Fatalf("expected refresh cookie scoped to %s, got %q", refreshCookiePath, serverConfig.RefreshCookiePath)
	}
	if serverConfig.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None when CORS is enabled")
	}
	if serverConfig.NonceTTL != authkit.DefaultNonceTTL || serverConfig.TenantHeader != authkit.DefaultTenantHeader {
		t.Fatalf("expected defaults, got nonce %s header %q", serverConfig.NonceTTL, serverConfig.TenantHeader)
	}
	if serverConfig.GoogleWebClientID != "" {
		t.Fatalf("expected google sign-in to stay optional")
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	viper.Reset()
	defer viper.Reset()
	defer withLoggerStub(t)()
	defer withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start when the validator fails")
		return nil
	})()
	defer withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})()

	viper.Set("google_web_client_id", "client")
	command := preparedServeCommand(t)

	err := runServer(command, nil)
	if err == nil || !strings.HasPrefix(err.Error(), configCodeGoogleValidatorInit) {
		t.Fatalf("expected validator init error, got %v", err)
	}
}

func TestRunServerServesRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	viper.Reset()
	defer viper.Reset()
	defer withLoggerStub(t)()
	builderCalls := 0
	defer withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		builderCalls++
		return noopGoogleValidator{}, nil
	})()

	var handler http.Handler
	defer withServeHTTPStub(func(server *http.Server) error {
		handler = server.Handler
		return http.ErrServerClosed
	})()

	viper.Set("google_web_client_id", "client")
	viper.Set("seed_users", []string{"teacher@example.com:secret:school-1:teacher,admin@example.com:secret"})
	command := preparedServeCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if builderCalls != 1 {
		t.Fatalf("expected google validator to be built once, got %d", builderCalls)
	}
	if handler == nil {
		t.Fatalf("expected handler to be configured")
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", recorder.Code)
	}
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "tsession_http_requests_total") {
		t.Fatalf("expected request metrics to be exported, got %d", recorder.Code)
	}
}

func TestRunServerRejectsBadSettings(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
	}{
		{name: "invalid seed", settings: map[string]any{"seed_users": []string{"teacher@example.com:secret:school-1"}}},
		{name: "unsupported database", settings: map[string]any{"database_url": "mysql://localhost/tsession"}},
		{name: "cors without origins", settings: map[string]any{"enable_cors": true}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			viper.Reset()
			defer viper.Reset()
			defer withLoggerStub(t)()
			defer withServeHTTPStub(func(server *http.Server) error {
				t.Fatalf("server must not start")
				return nil
			})()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			command := preparedServeCommand(t)

			if err := runServer(command, nil); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestNewRouterGuardsAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newTestRouter(t)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/auth/csrf", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected csrf bootstrap to be public, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/auth/google", strings.NewReader(`{}`)))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected google sign-in unavailable without validator, got %d", recorder.Code)
	}
}

func TestClientCommandsShareStateAcrossInvocations(t *testing.T) {
	gin.SetMode(gin.TestMode)
	defer viper.Reset()
	defer withLoggerStub(t)()

	server := httptest.NewServer(newTestRouter(t))
	defer server.Close()
	stateURL := "sqlite://" + filepath.Join(t.TempDir(), "state.db")

	run := func(arguments ...string) (string, error) {
		viper.Reset()
		rootCmd := newRootCommand()
		var output bytes.Buffer
		rootCmd.SetOut(&output)
		rootCmd.SetErr(io.Discard)
		rootCmd.SetIn(strings.NewReader("secret\n"))
		rootCmd.SetArgs(append(arguments, "--base_url", server.URL+"/api", "--state_url", stateURL))
		err := rootCmd.ExecuteContext(context.Background())
		return output.String(), err
	}

	if _, err := run("login", "--email", "teacher@example.com", "--password", "wrong"); err == nil {
		t.Fatalf("expected wrong password to fail")
	}

	output, err := run("login", "--email", "teacher@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(output, "signed in as teacher@example.com (2 schools)") {
		t.Fatalf("unexpected login output %q", output)
	}

	output, err = run("whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(output, `"email": "teacher@example.com"`) || !strings.Contains(output, `"school_id": "school-2"`) {
		t.Fatalf("unexpected whoami output %q", output)
	}

	output, err = run("tenant", "use", "school-2")
	if err != nil {
		t.Fatalf("tenant use: %v", err)
	}
	if !strings.Contains(output, "active school school-2 (South High) as admin") {
		t.Fatalf("unexpected tenant output %q", output)
	}

	output, err = run("request", "POST", "/echo/students", "--data", `{"name":"Ada"}`, "--query", "grade=5")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for _, expected := range []string{`"school_id":"school-2"`, `"path":"/students"`, `"query":"grade=5"`, `"method":"POST"`} {
		if !strings.Contains(output, expected) {
			t.Fatalf("expected %s in %q", expected, output)
		}
	}

	if _, err := run("tenant", "clear"); err != nil {
		t.Fatalf("tenant clear: %v", err)
	}
	output, err = run("request", "GET", "/me")
	if err != nil {
		t.Fatalf("request me: %v", err)
	}
	if strings.Contains(output, `"tenant"`) {
		t.Fatalf("expected no tenant after clear, got %q", output)
	}

	output, err = run("logout")
	if err != nil || !strings.Contains(output, "signed out") {
		t.Fatalf("logout: %q (%v)", output, err)
	}
	output, err = run("restore")
	if err != nil || !strings.Contains(output, "no session") {
		t.Fatalf("expected no session after logout, got %q (%v)", output, err)
	}
}

func TestClientCommandsRequireBaseURL(t *testing.T) {
	defer viper.Reset()
	viper.Reset()
	rootCmd := newRootCommand()
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"whoami", "--state_url", "sqlite://" + filepath.Join(t.TempDir(), "state.db")})

	err := rootCmd.Execute()
	if err == nil || err.Error() != "config.missing_base_url: base_url must be provided" {
		t.Fatalf("expected missing base_url error, got %v", err)
	}
}

func TestParseQuery(t *testing.T) {
	query, err := parseQuery([]string{"grade=5", "tag=a", "tag=b=c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if query.Get("grade") != "5" || len(query["tag"]) != 2 || query["tag"][1] != "b=c" {
		t.Fatalf("unexpected query %v", query)
	}
	if _, err := parseQuery([]string{"=value"}); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if query, err := parseQuery(nil); err != nil || query != nil {
		t.Fatalf("expected nil query for no pairs")
	}
}

func TestSplitList(t *testing.T) {
	values := splitList([]string{"a@example.com:x, b@example.com:y", " ", "c@example.com:z"})
	expected := []string{"a@example.com:x", "b@example.com:y", "c@example.com:z"}
	if len(values) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, values)
	}
	for index := range expected {
		if values[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, values)
		}
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	users := web.NewInMemoryUsers()
	if err := users.Seed([]string{
		"teacher@example.com:secret:school-1:teacher:North High",
		"teacher@example.com:secret:school-2:admin:South High",
	}); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	registry := prometheus.NewRegistry()
	clock := authkit.NewSystemClock()
	router, err := newRouter(authkit.ServerConfig{
		AppJWTSigningKey:  []byte("signing-secret"),
		RefreshCookiePath: refreshCookiePath,
		SessionTTL:        time.Minute,
		RefreshTTL:        time.Hour,
		AllowInsecureHTTP: true,
	}, serverComponents{
		Users:         users,
		RefreshTokens: authkit.NewMemoryRefreshTokenStore(clock),
		Clock:         clock,
		Metrics:       observability.NewPrometheusRecorder(registry, ""),
		Registry:      registry,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}

func preparedServeCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("session_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("dev_insecure_http", true)

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	return command
}

func withLoggerStub(t *testing.T) func() {
	previous := newLogger
	newLogger = func() (*zap.Logger, error) {
		return zaptest.NewLogger(t), nil
	}
	return func() {
		newLogger = previous
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
