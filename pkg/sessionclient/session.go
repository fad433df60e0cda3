package sessionclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Credentials are the e-mail and password accepted by the login endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleLoginPayload struct {
	GoogleIDToken string `json:"google_id_token"`
	Nonce         string `json:"nonce"`
}

// RestoreSession reports whether a usable session exists, refreshing when no access
// token is held. With the refresh guard off it answers false without any I/O.
func (client *Client) RestoreSession(ctx context.Context) (bool, error) {
	if !client.state.AllowRefresh() {
		return false, nil
	}
	if client.state.Token() != "" {
		return true, nil
	}
	token, refreshErr := client.RefreshAccessToken(ctx)
	return token != "", refreshErr
}

// Login exchanges credentials for an access token and re-enables automatic refresh.
func (client *Client) Login(ctx context.Context, credentials Credentials) error {
	if strings.TrimSpace(credentials.Email) == "" || credentials.Password == "" {
		return fmt.Errorf("session.login: %w", ErrInvalidRequest)
	}
	return client.login(ctx, PathLogin, credentials)
}

// LoginWithGoogle exchanges a Google ID token, bound to a nonce previously issued by
// the server, for an access token.
func (client *Client) LoginWithGoogle(ctx context.Context, googleIDToken string, nonce string) error {
	if strings.TrimSpace(googleIDToken) == "" {
		return fmt.Errorf("session.login_google: %w", ErrInvalidRequest)
	}
	return client.login(ctx, PathGoogleLogin, googleLoginPayload{GoogleIDToken: googleIDToken, Nonce: nonce})
}

func (client *Client) login(ctx context.Context, path string, payload any) error {
	response, requestErr := client.sendAuxiliary(ctx, http.MethodPost, path, "", payload)
	if requestErr != nil {
		return newSessionError("login", requestErr)
	}
	token, extractErr := extractAccessToken(response)
	if extractErr != nil {
		return newSessionError("login", extractErr)
	}
	client.contextCache.invalidate()
	client.state.SetAllowRefresh(true)
	client.state.SetToken(token)
	client.syncCSRFFromCookie()
	return nil
}

// Logout disables automatic refresh, waits for a refresh already in flight so the
// cookie it rotated is the one revoked, asks the server to revoke the refresh cookie,
// and always clears local token and tenant state before publishing a logout event.
// The server's error, if any, is returned for logging only.
func (client *Client) Logout(ctx context.Context) error {
	client.state.SetAllowRefresh(false)
	var serverErr error
	defer func() {
		client.state.ClearToken()
		client.ClearActiveTenant()
		client.contextCache.invalidate()
		client.metrics.Increment(metricLogout)
		client.events.publish(Event{Kind: EventLogout})
	}()

	if waitErr := client.awaitRefresh(ctx); waitErr != nil {
		return fmt.Errorf("session.logout: %w", waitErr)
	}
	csrfToken := client.EnsureCSRF(ctx)
	if _, requestErr := client.sendAuxiliary(ctx, http.MethodPost, PathLogout, csrfToken, nil); requestErr != nil {
		client.logger.Warn("server logout failed; clearing local session anyway",
			zap.String("code", "session.logout.server_failed"),
			zap.Error(requestErr))
		serverErr = fmt.Errorf("session.logout: %w", requestErr)
	}
	return serverErr
}

// TokenSource adapts the session to oauth2 so other HTTP clients can reuse the access
// token. An empty token triggers a refresh.
func (client *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, client: client}
}

type sessionTokenSource struct {
	ctx    context.Context
	client *Client
}

func (source *sessionTokenSource) Token() (*oauth2.Token, error) {
	token := source.client.state.Token()
	if token == "" {
		refreshed, refreshErr := source.client.RefreshAccessToken(source.ctx)
		if refreshed == "" {
			if refreshErr == nil {
				refreshErr = ErrMissingAccessToken
			}
			return nil, fmt.Errorf("session.token_source: %w", refreshErr)
		}
		token = refreshed
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
