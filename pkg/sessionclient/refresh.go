package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const refreshFlightKey = "refresh"

// RefreshState is the observable state of the refresh coordinator.
type RefreshState int

const (
	RefreshIdle RefreshState = iota
	RefreshRefreshing
	RefreshSucceeded
	RefreshFailed
)

func (refreshState RefreshState) String() string {
	switch refreshState {
	case RefreshIdle:
		return "idle"
	case RefreshRefreshing:
		return "refreshing"
	case RefreshSucceeded:
		return "succeeded"
	case RefreshFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type accessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

type refreshOutcome struct {
	token string
	err   error
}

// RefreshState reports where the coordinator is.
func (client *Client) RefreshState() RefreshState {
	client.refreshMutex.Lock()
	defer client.refreshMutex.Unlock()
	return client.refreshState
}

func (client *Client) setRefreshState(refreshState RefreshState) {
	client.refreshMutex.Lock()
	defer client.refreshMutex.Unlock()
	client.refreshState = refreshState
}

// RefreshAccessToken exchanges the refresh cookie for a new access token. Callers that
// arrive while an attempt is in flight share its outcome. A failed refresh returns ""
// and a *SessionError; the token is cleared and, when the server rejected the session,
// an unauthorized event is published.
func (client *Client) RefreshAccessToken(ctx context.Context) (string, error) {
	if !client.state.AllowRefresh() {
		return "", ErrRefreshDisabled
	}
	resultChannel := client.flights.DoChan(refreshFlightKey, func() (any, error) {
		flightContext := context.WithoutCancel(ctx)
		token, refreshErr := client.performRefresh(flightContext)
		return refreshOutcome{token: token, err: refreshErr}, nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("session.refresh: %w", ctx.Err())
	case result := <-resultChannel:
		outcome, _ := result.Val.(refreshOutcome)
		return outcome.token, outcome.err
	}
}

func (client *Client) performRefresh(ctx context.Context) (string, error) {
	generation := client.state.refreshGeneration()
	done := client.beginRefresh()

	token, postErr := client.postRefresh(ctx, client.EnsureCSRF(ctx))
	if postErr != nil && StatusCode(postErr) == http.StatusForbidden {
		client.logger.Info("refresh rejected csrf token, reseeding",
			zap.String("code", "session.refresh.csrf_reseed"))
		token, postErr = client.postRefresh(ctx, client.bootstrapCSRF(ctx))
	}
	// Released before any event is published so a listener may call Logout.
	client.endRefresh(done)
	if client.state.refreshGeneration() != generation {
		client.logger.Info("refresh finished after refresh was disabled; result dropped",
			zap.String("code", "session.refresh.superseded"))
		client.setRefreshState(RefreshIdle)
		return "", ErrRefreshDisabled
	}
	if postErr != nil {
		return "", client.failRefresh(postErr)
	}

	if !client.state.commitRefreshedToken(token, generation) {
		client.setRefreshState(RefreshIdle)
		return "", ErrRefreshDisabled
	}
	client.syncCSRFFromCookie()
	client.setRefreshState(RefreshSucceeded)
	client.metrics.Increment(metricRefreshSuccess)
	return token, nil
}

func (client *Client) beginRefresh() chan struct{} {
	done := make(chan struct{})
	client.refreshMutex.Lock()
	client.refreshState = RefreshRefreshing
	client.refreshDone = done
	client.refreshMutex.Unlock()
	return done
}

func (client *Client) endRefresh(done chan struct{}) {
	client.refreshMutex.Lock()
	if client.refreshDone == done {
		client.refreshDone = nil
	}
	client.refreshMutex.Unlock()
	close(done)
}

// awaitRefresh blocks until the refresh in flight, if any, has returned.
func (client *Client) awaitRefresh(ctx context.Context) error {
	client.refreshMutex.Lock()
	done := client.refreshDone
	client.refreshMutex.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (client *Client) postRefresh(ctx context.Context, csrfToken string) (string, error) {
	response, requestErr := client.sendAuxiliary(ctx, http.MethodPost, PathRefresh, csrfToken, nil)
	if requestErr != nil {
		return "", requestErr
	}
	return extractAccessToken(response)
}

func (client *Client) failRefresh(refreshErr error) error {
	sessionErr := newSessionError("refresh", refreshErr)
	client.state.ClearToken()
	client.setRefreshState(RefreshFailed)
	client.metrics.Increment(metricRefreshFailure)
	if sessionErr.Kind == SessionErrorUnauthenticated {
		client.contextCache.invalidate()
		client.logger.Info("refresh rejected, session ended",
			zap.String("code", "session.refresh.unauthenticated"),
			zap.Int("status", sessionErr.StatusCode))
		client.events.publish(Event{Kind: EventUnauthorized})
	} else {
		client.logger.Warn("refresh could not reach the server",
			zap.String("code", "session.refresh.network_unavailable"),
			zap.Error(refreshErr))
	}
	return sessionErr
}

func extractAccessToken(response *Response) (string, error) {
	var payload envelope[accessTokenPayload]
	if decodeErr := response.DecodeJSON(&payload); decodeErr != nil {
		if errors.Is(decodeErr, ErrUnexpectedEnvelope) {
			return "", decodeErr
		}
		return "", fmt.Errorf("%w: %v", ErrUnexpectedEnvelope, decodeErr)
	}
	token := strings.TrimSpace(payload.Data.AccessToken)
	if token == "" {
		return "", ErrMissingAccessToken
	}
	return token, nil
}
