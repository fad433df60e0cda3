package sessionclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/tyemirov/tsession/pkg/sessionclient"

// Client sends authenticated requests to the school API and owns the session state
// behind them. A Client is safe for concurrent use.
type Client struct {
	baseURL          *url.URL
	apiPrefix        string
	httpClient       *http.Client
	cookies          *CookieStore
	tabStorage       Storage
	state            *SessionState
	events           *eventBus
	flights          singleflight.Group
	refreshMutex     sync.Mutex
	refreshState     RefreshState
	refreshDone      chan struct{}
	tenantHeader     string
	tenantCookieDays int
	secureCookies    bool
	contextCache     *simpleContextCache
	timeout          time.Duration
	logger           *zap.Logger
	metrics          MetricsRecorder
	clock            Clock
	tracer           trace.Tracer
}

// NewClient validates the configuration and rehydrates any access token left in
// per-tab storage without publishing events.
func NewClient(configuration Config) (*Client, error) {
	rawBaseURL := strings.TrimSpace(configuration.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("session.new: %w", ErrMissingBaseURL)
	}
	parsedBaseURL, parseErr := url.Parse(rawBaseURL)
	if parseErr != nil || parsedBaseURL.Scheme == "" || parsedBaseURL.Host == "" {
		return nil, fmt.Errorf("session.new: %w: %q", ErrInvalidBaseURL, rawBaseURL)
	}

	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	var clock Clock = systemClock{}
	if configuration.Clock != nil {
		clock = configuration.Clock
	}
	var tabStorage Storage = NewMemoryStorage()
	if configuration.TabStorage != nil {
		tabStorage = configuration.TabStorage
	}
	timeout := configuration.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	tenantHeader := strings.TrimSpace(configuration.TenantHeader)
	if tenantHeader == "" {
		tenantHeader = DefaultTenantHeader
	}
	simpleContextTTL := configuration.SimpleContextTTL
	if simpleContextTTL <= 0 {
		simpleContextTTL = DefaultSimpleContextTTL
	}
	tenantCookieDays := configuration.TenantCookieDays
	if tenantCookieDays <= 0 {
		tenantCookieDays = DefaultTenantCookieDays
	}

	httpClient := &http.Client{}
	if configuration.HTTPClient != nil {
		copied := *configuration.HTTPClient
		httpClient = &copied
	}
	jar := configuration.Jar
	if jar == nil {
		jar = httpClient.Jar
	}
	if jar == nil {
		memoryJar, jarErr := cookiejar.New(nil)
		if jarErr != nil {
			return nil, fmt.Errorf("session.new.cookie_jar: %w", jarErr)
		}
		jar = memoryJar
	}
	httpClient.Jar = jar
	httpClient.Timeout = timeout

	apiPrefix := strings.TrimSuffix(parsedBaseURL.Path, "/")
	lookupURL := &url.URL{Scheme: parsedBaseURL.Scheme, Host: parsedBaseURL.Host, Path: apiPrefix + "/"}
	events := newEventBus()

	client := &Client{
		baseURL:          parsedBaseURL,
		apiPrefix:        apiPrefix,
		httpClient:       httpClient,
		cookies:          NewCookieStore(jar, lookupURL),
		tabStorage:       tabStorage,
		state:            newSessionState(tabStorage, events, !IsLoginPath(configuration.StartPath)),
		events:           events,
		tenantHeader:     tenantHeader,
		tenantCookieDays: tenantCookieDays,
		secureCookies:    strings.EqualFold(parsedBaseURL.Scheme, "https"),
		contextCache:     newSimpleContextCache(simpleContextTTL, clock),
		timeout:          timeout,
		logger:           logger,
		metrics:          metrics,
		clock:            clock,
		tracer:           otel.Tracer(tracerName),
	}
	if restored := client.state.rehydrate(); restored != "" {
		logger.Debug("access token rehydrated from tab storage", zap.String("code", "session.bootstrap.rehydrated"))
	}
	return client, nil
}

// State exposes the owned session state.
func (client *Client) State() *SessionState {
	return client.state
}

// Cookies exposes the durable cookie scope of the API origin.
func (client *Client) Cookies() *CookieStore {
	return client.cookies
}

// Subscribe registers listener for lifecycle events and returns its unsubscribe function.
func (client *Client) Subscribe(listener Listener) func() {
	return client.events.subscribe(listener)
}

// AccessToken returns the current access token, rehydrating from per-tab storage.
func (client *Client) AccessToken() string {
	return client.state.Token()
}

// SetAccessToken installs token as the current access token.
func (client *Client) SetAccessToken(token string) {
	client.state.SetToken(token)
}

// ClearAccessToken removes the access token and the default Authorization header.
func (client *Client) ClearAccessToken() {
	client.state.ClearToken()
}

// SetAllowRefresh toggles automatic refresh; call it with false before logging out.
func (client *Client) SetAllowRefresh(allow bool) {
	client.state.SetAllowRefresh(allow)
}

// Do sends request through the authenticated pipeline. A 403 is recovered by reseeding
// the CSRF token and a 401 by refreshing the access token; each at most once. Failures
// that are not recovered come back as *HTTPError with status and body intact.
func (client *Client) Do(ctx context.Context, request *Request) (*Response, error) {
	if request == nil || strings.TrimSpace(request.Method) == "" {
		return nil, fmt.Errorf("session.do: %w", ErrInvalidRequest)
	}
	class := classifyPath(client.apiPrefix, request.Path)
	attempt := *request
	attempt.Method = strings.ToUpper(strings.TrimSpace(request.Method))
	attempt.Header = request.Header.Clone()
	if attempt.Header == nil {
		attempt.Header = make(http.Header)
	}
	if attempt.Header.Get(RequestIDHeaderName) == "" {
		attempt.Header.Set(RequestIDHeaderName, uuid.NewString())
	}

	markers := retryMarkers{}
	refreshedToken := ""
	for {
		credentials := client.credentialsFor(ctx, attempt.Method, class, refreshedToken)
		response, sendErr := client.send(ctx, &attempt, class, credentials)
		if sendErr == nil {
			return response, nil
		}
		var httpErr *HTTPError
		if !errors.As(sendErr, &httpErr) {
			return nil, sendErr
		}
		switch planRecovery(markers, class, httpErr.StatusCode, client.state.AllowRefresh()) {
		case recoveryReseedCSRF:
			markers.CSRFRetried = true
			client.metrics.Increment(metricRetryCSRF)
			client.logger.Debug("retrying after csrf reseed",
				zap.String("code", "session.retry.csrf"),
				zap.String("path", class.Path))
			client.ReseedCSRF(ctx)
		case recoveryRefreshToken:
			markers.RefreshRetried = true
			if current := client.state.Token(); current != "" && current != credentials.AccessToken {
				client.metrics.Increment(metricRetryRefresh)
				client.logger.Debug("replaying with token refreshed by another caller",
					zap.String("code", "session.retry.current_token"),
					zap.String("path", class.Path))
				refreshedToken = current
				continue
			}
			token, refreshErr := client.RefreshAccessToken(ctx)
			if token == "" {
				client.logger.Debug("refresh did not recover request",
					zap.String("code", "session.retry.refresh_failed"),
					zap.String("path", class.Path),
					zap.Error(refreshErr))
				return nil, sendErr
			}
			client.metrics.Increment(metricRetryRefresh)
			refreshedToken = token
		default:
			return nil, sendErr
		}
	}
}

func (client *Client) credentialsFor(ctx context.Context, method string, class pathClass, refreshedToken string) requestCredentials {
	credentials := requestCredentials{AccessToken: client.state.Token()}
	if refreshedToken != "" {
		credentials.AccessToken = refreshedToken
	}
	if class.IsAuth {
		return credentials
	}
	if isSafeMethod(method) {
		credentials.CSRFToken = client.state.CSRFToken()
	} else {
		credentials.CSRFToken = client.EnsureCSRF(ctx)
	}
	if tenant, ok := client.ActiveTenant(); ok {
		credentials.TenantID = tenant.TenantID
	}
	return credentials
}

func (client *Client) send(ctx context.Context, request *Request, class pathClass, credentials requestCredentials) (*Response, error) {
	ctx, span := client.tracer.Start(ctx, "sessionclient.send", trace.WithAttributes(
		attribute.String("http.method", request.Method),
		attribute.String("session.path", class.Path),
		attribute.Bool("session.token_present", credentials.AccessToken != ""),
	))
	defer span.End()

	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	httpRequest, buildErr := http.NewRequestWithContext(ctx, request.Method, client.resolveURL(class, request.Query), body)
	if buildErr != nil {
		span.SetStatus(codes.Error, "build request")
		return nil, fmt.Errorf("session.http.build: %w", buildErr)
	}
	httpRequest.Header = decorateRequest(request, class, client.state.DefaultHeaders(), credentials, client.tenantHeader)

	httpResponse, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		span.RecordError(doErr)
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("session.http: %s %s: %w", request.Method, class.Path, doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	responseBody, readErr := io.ReadAll(httpResponse.Body)
	if readErr != nil {
		span.RecordError(readErr)
		span.SetStatus(codes.Error, "read body")
		return nil, fmt.Errorf("session.http.read: %s %s: %w", request.Method, class.Path, readErr)
	}
	span.SetAttributes(attribute.Int("http.status_code", httpResponse.StatusCode))

	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		span.SetStatus(codes.Error, http.StatusText(httpResponse.StatusCode))
		return nil, &HTTPError{
			Method:     request.Method,
			Path:       class.Path,
			StatusCode: httpResponse.StatusCode,
			Header:     httpResponse.Header.Clone(),
			Body:       responseBody,
		}
	}
	return &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header.Clone(),
		Body:       responseBody,
	}, nil
}

func (client *Client) resolveURL(class pathClass, query url.Values) string {
	target := *client.baseURL
	target.Path = client.apiPrefix + class.Path
	target.RawPath = ""
	target.Fragment = ""
	merged := url.Values{}
	if class.RawQuery != "" {
		if parsedQuery, queryErr := url.ParseQuery(class.RawQuery); queryErr == nil {
			merged = parsedQuery
		}
	}
	for key, values := range query {
		merged[key] = append(merged[key], values...)
	}
	target.RawQuery = merged.Encode()
	return target.String()
}

// sendAuxiliary issues one of the session's own calls. It never enters recovery.
func (client *Client) sendAuxiliary(ctx context.Context, method string, path string, csrfToken string, payload any) (*Response, error) {
	request, buildErr := NewJSONRequest(method, path, payload)
	if buildErr != nil {
		return nil, buildErr
	}
	if csrfToken != "" {
		request.Header.Set(CSRFHeaderName, csrfToken)
	}
	class := classifyPath(client.apiPrefix, path)
	return client.send(ctx, request, class, requestCredentials{AccessToken: client.state.Token()})
}

type envelope[T any] struct {
	Data T `json:"data"`
}
