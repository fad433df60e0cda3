package sessionclient

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type stubResponse struct {
	status int
	token  string
}

type recordedRequest struct {
	method   string
	path     string
	rawQuery string
	header   http.Header
}

type fakeAPI struct {
	mutex sync.Mutex

	csrfTokens   []string
	csrfStatus   int
	csrfCalls    int
	refreshQueue []stubResponse
	refreshCalls int
	refreshGate  chan struct{}
	refreshSeen  chan struct{}
	refreshCSRF  []string
	// refreshBearers counts refresh calls that arrived with an Authorization header.
	refreshBearers int
	// refreshesAnswered counts refresh calls that got past the gate.
	refreshesAnswered int
	// refreshesBeforeLogout is refreshesAnswered as seen by the last logout call.
	refreshesBeforeLogout int
	logoutStatus          int
	logoutCalls           int
	logoutCSRF            string
	contextCalls          int
	contextBody           string
	businessHits          []recordedRequest
	businessPlan          []int
	// businessFunc, when set, decides the status of business requests.
	businessFunc func(request *http.Request) int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		csrfTokens:  []string{"csrf-1", "csrf-2", "csrf-3"},
		csrfStatus:  http.StatusOK,
		contextBody: `{"data":{"user":{"id":"user-1","email":"teacher@example.com","name":"Teacher"},"memberships":[{"school_id":"school-1","school_name":"North High","role":"teacher"},{"school_id":"school-2","school_name":"South High","role":"admin","icon":"south.png"}]}}`,
	}
}

func (api *fakeAPI) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/auth/csrf", func(contextGin *gin.Context) {
		api.mutex.Lock()
		api.csrfCalls++
		status := api.csrfStatus
		token := api.csrfTokens[(api.csrfCalls-1)%len(api.csrfTokens)]
		api.mutex.Unlock()
		if status != http.StatusOK {
			contextGin.AbortWithStatus(status)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"csrf_token": token}})
	})
	router.POST("/api/auth/refresh-token", func(contextGin *gin.Context) {
		api.mutex.Lock()
		api.refreshCalls++
		api.refreshCSRF = append(api.refreshCSRF, contextGin.GetHeader(CSRFHeaderName))
		if contextGin.GetHeader(authorizationHeader) != "" {
			api.refreshBearers++
		}
		response := stubResponse{status: http.StatusOK, token: "abc"}
		if len(api.refreshQueue) > 0 {
			response = api.refreshQueue[0]
			api.refreshQueue = api.refreshQueue[1:]
		}
		gate := api.refreshGate
		seen := api.refreshSeen
		api.mutex.Unlock()
		if seen != nil {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
		if gate != nil {
			<-gate
		}
		api.mutex.Lock()
		api.refreshesAnswered++
		api.mutex.Unlock()
		if response.status != http.StatusOK {
			contextGin.AbortWithStatus(response.status)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"access_token": response.token}})
	})
	router.POST("/api/auth/logout", func(contextGin *gin.Context) {
		api.mutex.Lock()
		api.logoutCalls++
		api.refreshesBeforeLogout = api.refreshesAnswered
		api.logoutCSRF = contextGin.GetHeader(CSRFHeaderName)
		status := api.logoutStatus
		api.mutex.Unlock()
		if status != 0 {
			contextGin.AbortWithStatus(status)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
	router.POST("/api/auth/login", func(contextGin *gin.Context) {
		api.recordBusiness(contextGin.Request)
		var inbound Credentials
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.Password != "secret" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"access_token": "login-token"}})
	})
	router.GET("/api/auth/me/simple-context", func(contextGin *gin.Context) {
		api.mutex.Lock()
		api.contextCalls++
		body := api.contextBody
		api.mutex.Unlock()
		api.recordBusiness(contextGin.Request)
		if contextGin.GetHeader(authorizationHeader) == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Data(http.StatusOK, "application/json", []byte(body))
	})
	router.NoRoute(func(contextGin *gin.Context) {
		status := api.recordBusiness(contextGin.Request)
		if status != http.StatusOK {
			contextGin.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"ok": true}})
	})
	return router
}

func (api *fakeAPI) recordBusiness(request *http.Request) int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	api.businessHits = append(api.businessHits, recordedRequest{
		method:   request.Method,
		path:     request.URL.Path,
		rawQuery: request.URL.RawQuery,
		header:   request.Header.Clone(),
	})
	if api.businessFunc != nil {
		return api.businessFunc(request)
	}
	if len(api.businessPlan) == 0 {
		return http.StatusOK
	}
	status := api.businessPlan[0]
	api.businessPlan = api.businessPlan[1:]
	return status
}

func (api *fakeAPI) configure(mutate func(api *fakeAPI)) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	mutate(api)
}

func (api *fakeAPI) planBusiness(statuses ...int) {
	api.configure(func(api *fakeAPI) { api.businessPlan = statuses })
}

func (api *fakeAPI) queueRefresh(responses ...stubResponse) {
	api.configure(func(api *fakeAPI) { api.refreshQueue = responses })
}

func (api *fakeAPI) bearersOnRefresh() int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.refreshBearers
}

func (api *fakeAPI) contextCallCount() int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.contextCalls
}

func (api *fakeAPI) hits() []recordedRequest {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return append([]recordedRequest(nil), api.businessHits...)
}

func (api *fakeAPI) counts() (csrfCalls int, refreshCalls int) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.csrfCalls, api.refreshCalls
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
}

func (recorder *eventRecorder) listen(event Event) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) kinds() []EventKind {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	kinds := make([]EventKind, 0, len(recorder.events))
	for _, event := range recorder.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func (recorder *eventRecorder) count(kind EventKind) int {
	total := 0
	for _, recorded := range recorder.kinds() {
		if recorded == kind {
			total++
		}
	}
	return total
}

type testHarness struct {
	api      *fakeAPI
	server   *httptest.Server
	client   *Client
	storage  *MemoryStorage
	clock    *fakeClock
	metrics  *CounterMetrics
	recorder *eventRecorder
}

func newTestHarness(t *testing.T, mutate func(configuration *Config)) *testHarness {
	t.Helper()
	api := newFakeAPI()
	server := httptest.NewServer(api.router())
	t.Cleanup(server.Close)

	harness := &testHarness{
		api:      api,
		server:   server,
		storage:  NewMemoryStorage(),
		clock:    &fakeClock{current: time.Unix(1700000000, 0).UTC()},
		metrics:  NewCounterMetrics(),
		recorder: &eventRecorder{},
	}
	configuration := Config{
		BaseURL:        server.URL + "/api",
		HTTPClient:     server.Client(),
		TabStorage:     harness.storage,
		RequestTimeout: 5 * time.Second,
		Logger:         zaptest.NewLogger(t),
		Metrics:        harness.metrics,
		Clock:          harness.clock,
	}
	if mutate != nil {
		mutate(&configuration)
	}
	client, err := NewClient(configuration)
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	client.Subscribe(harness.recorder.listen)
	harness.client = client
	return harness
}
