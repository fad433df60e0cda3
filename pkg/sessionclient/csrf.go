package sessionclient

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const csrfFlightKey = "csrf"

type csrfPayload struct {
	CSRFToken string `json:"csrf_token"`
}

// EnsureCSRF returns the cached CSRF token, seeding it from the XSRF-TOKEN cookie or the
// bootstrap endpoint when the cache is empty. Failures are logged and yield "".
func (client *Client) EnsureCSRF(ctx context.Context) string {
	if cached := client.state.CSRFToken(); cached != "" {
		return cached
	}
	if fromCookie, ok := client.cookies.Get(CSRFCookieName); ok && strings.TrimSpace(fromCookie) != "" {
		client.state.setCSRFToken(fromCookie)
		return fromCookie
	}
	return client.ReseedCSRF(ctx)
}

// ReseedCSRF always asks the bootstrap endpoint for a token and caches whatever it finds.
// Concurrent reseeds share one call.
func (client *Client) ReseedCSRF(ctx context.Context) string {
	resultChannel := client.flights.DoChan(csrfFlightKey, func() (any, error) {
		flightContext := context.WithoutCancel(ctx)
		return client.bootstrapCSRF(flightContext), nil
	})
	select {
	case <-ctx.Done():
		return client.state.CSRFToken()
	case result := <-resultChannel:
		token, _ := result.Val.(string)
		return token
	}
}

func (client *Client) bootstrapCSRF(ctx context.Context) string {
	client.metrics.Increment(metricCSRFBootstrap)
	token := ""
	response, requestErr := client.sendAuxiliary(ctx, http.MethodGet, PathCSRF, "", nil)
	if requestErr != nil {
		client.logger.Warn("csrf bootstrap failed",
			zap.String("code", "session.csrf.bootstrap_failed"),
			zap.Error(requestErr))
	} else {
		var payload envelope[csrfPayload]
		if decodeErr := response.DecodeJSON(&payload); decodeErr == nil {
			token = strings.TrimSpace(payload.Data.CSRFToken)
		}
	}
	if token == "" {
		if fromCookie, ok := client.cookies.Get(CSRFCookieName); ok {
			token = strings.TrimSpace(fromCookie)
		}
	}
	client.state.setCSRFToken(token)
	return token
}

// syncCSRFFromCookie adopts a CSRF token the server rotated through its cookie.
func (client *Client) syncCSRFFromCookie() {
	if fromCookie, ok := client.cookies.Get(CSRFCookieName); ok && strings.TrimSpace(fromCookie) != "" {
		client.state.setCSRFToken(strings.TrimSpace(fromCookie))
	}
}
