package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/clientstore"
	"github.com/tyemirov/tsession/pkg/sessionclient"
	"go.uber.org/zap"
)

const (
	configCodeMissingBaseURL     = "config.missing_base_url"
	configCodeInvalidTimeout     = "config.invalid_request_timeout"
	configCodeStateDirectory     = "config.state_directory"
	configCodeInvalidQuery       = "config.invalid_query"
	configCodeMissingCredentials = "config.missing_credentials"

	defaultStateDirectory = ".tsession"
	defaultStateFile      = "state.db"
	loginStartPath        = "/login"
)

// LoadClientConfig reads the client settings from viper and returns the client config
// with the state URL and profile. state_url defaults to a sqlite file under the home
// directory.
func LoadClientConfig() (sessionclient.Config, string, string, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return sessionclient.Config{}, "", "", configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return sessionclient.Config{}, "", "", configError(configCodeInvalidTimeout, "request_timeout must be greater than zero")
	}
	stateURL := strings.TrimSpace(viper.GetString("state_url"))
	if stateURL == "" {
		defaultURL, defaultErr := defaultStateURL()
		if defaultErr != nil {
			return sessionclient.Config{}, "", "", defaultErr
		}
		stateURL = defaultURL
	}
	profile := strings.TrimSpace(viper.GetString("profile"))
	if profile == "" {
		profile = clientstore.DefaultProfile
	}
	return sessionclient.Config{
		BaseURL:        baseURL,
		RequestTimeout: requestTimeout,
		TenantHeader:   viper.GetString("tenant_header"),
	}, stateURL, profile, nil
}

func defaultStateURL() (string, error) {
	homeDirectory, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return "", configError(configCodeStateDirectory, homeErr.Error())
	}
	stateDirectory := filepath.Join(homeDirectory, defaultStateDirectory)
	if mkdirErr := os.MkdirAll(stateDirectory, 0o700); mkdirErr != nil {
		return "", configError(configCodeStateDirectory, mkdirErr.Error())
	}
	return "sqlite://" + filepath.Join(stateDirectory, defaultStateFile), nil
}

// clientSession is one CLI invocation's client bound to durable state.
type clientSession struct {
	client *sessionclient.Client
	jar    *clientstore.PersistentJar
	store  *clientstore.Store
	logger *zap.Logger
}

func (session *clientSession) Close() {
	if closeErr := session.store.Close(); closeErr != nil {
		session.logger.Warn("client state close failed",
			zap.String("code", "cli.state.close_failed"),
			zap.Error(closeErr))
	}
	_ = session.logger.Sync()
}

func openClientSession(command *cobra.Command, startPath string) (*clientSession, error) {
	clientConfig, stateURL, profile, configErr := LoadClientConfig()
	if configErr != nil {
		return nil, configErr
	}
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, storeErr := clientstore.Open(command.Context(), stateURL, logger)
	if storeErr != nil {
		return nil, storeErr
	}
	jar, jarErr := store.Jar(profile)
	if jarErr != nil {
		_ = store.Close()
		return nil, jarErr
	}
	clientConfig.Jar = jar
	clientConfig.TabStorage = store.Storage(profile)
	clientConfig.StartPath = startPath
	clientConfig.Logger = logger
	client, clientErr := sessionclient.NewClient(clientConfig)
	if clientErr != nil {
		_ = store.Close()
		return nil, clientErr
	}
	logger.Debug("client state opened",
		zap.String("driver", store.Driver()),
		zap.String("profile", profile))
	return &clientSession{client: client, jar: jar, store: store, logger: logger}, nil
}

func withClientSession(startPath string, run func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		ctx := command.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		command.SetContext(ctx)
		session, openErr := openClientSession(command, startPath)
		if openErr != nil {
			return openErr
		}
		defer session.Close()
		return run(ctx, command, arguments, session)
	}
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password, or with a Google ID token",
		Args:  cobra.NoArgs,
	}
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password; read from stdin when omitted")
	loginCmd.Flags().String("google_id_token", "", "Google ID token to exchange instead of a password")
	loginCmd.Flags().String("nonce", "", "Nonce issued by POST /auth/nonce and embedded in the Google ID token")

	loginCmd.RunE = withClientSession(loginStartPath, func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
		googleIDToken, _ := command.Flags().GetString("google_id_token")
		if googleIDToken != "" {
			nonce, _ := command.Flags().GetString("nonce")
			if loginErr := session.client.LoginWithGoogle(ctx, googleIDToken, nonce); loginErr != nil {
				return loginErr
			}
			return printSignedIn(ctx, command, session)
		}

		email, _ := command.Flags().GetString("email")
		password, _ := command.Flags().GetString("password")
		if email == "" {
			return configError(configCodeMissingCredentials, "email or google_id_token must be provided")
		}
		if password == "" {
			line, readErr := bufio.NewReader(command.InOrStdin()).ReadString('\n')
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return fmt.Errorf("cli.login.read_password: %w", readErr)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if loginErr := session.client.Login(ctx, sessionclient.Credentials{Email: email, Password: password}); loginErr != nil {
			return loginErr
		}
		return printSignedIn(ctx, command, session)
	})
	return loginCmd
}

func printSignedIn(ctx context.Context, command *cobra.Command, session *clientSession) error {
	simpleContext, contextErr := session.client.SimpleContext(ctx)
	if contextErr != nil {
		return contextErr
	}
	_, err := fmt.Fprintf(command.OutOrStdout(), "signed in as %s (%d schools)\n", simpleContext.User.Email, len(simpleContext.Memberships))
	return err
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token and clear local session state",
		Args:  cobra.NoArgs,
		RunE: withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
			logoutErr := session.client.Logout(ctx)
			if clearErr := session.jar.Clear(); clearErr != nil {
				return clearErr
			}
			if logoutErr != nil {
				session.logger.Warn("logout completed locally",
					zap.String("code", "cli.logout.server_failed"),
					zap.Error(logoutErr))
			}
			_, err := fmt.Fprintln(command.OutOrStdout(), "signed out")
			return err
		}),
	}
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the session from the refresh cookie",
		Args:  cobra.NoArgs,
		RunE: withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
			restored, restoreErr := session.client.RestoreSession(ctx)
			if restoreErr != nil && !errors.Is(restoreErr, sessionclient.ErrUnauthenticated) {
				return restoreErr
			}
			message := "no session"
			if restored {
				message = "session restored"
			}
			_, err := fmt.Fprintln(command.OutOrStdout(), message)
			return err
		}),
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user and school memberships",
		Args:  cobra.NoArgs,
		RunE: withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
			simpleContext, contextErr := session.client.SimpleContext(ctx)
			if contextErr != nil {
				return contextErr
			}
			output := struct {
				*sessionclient.SimpleContext
				ActiveSchool string `json:"active_school,omitempty"`
			}{SimpleContext: simpleContext}
			if tenant, ok := session.client.ActiveTenant(); ok {
				output.ActiveSchool = tenant.TenantID
			}
			return writeJSON(command.OutOrStdout(), output)
		}),
	}
}

func newRequestCommand() *cobra.Command {
	requestCmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated API request and print the response body",
		Args:  cobra.ExactArgs(2),
	}
	requestCmd.Flags().String("data", "", "Request body; sent as application/json")
	requestCmd.Flags().StringArray("query", []string{}, "Query parameter as key=value; repeatable")

	requestCmd.RunE = withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
		data, _ := command.Flags().GetString("data")
		queryPairs, _ := command.Flags().GetStringArray("query")
		query, queryErr := parseQuery(queryPairs)
		if queryErr != nil {
			return queryErr
		}
		request := &sessionclient.Request{
			Method: strings.ToUpper(arguments[0]),
			Path:   arguments[1],
			Query:  query,
			Header: make(http.Header),
		}
		if data != "" {
			request.Body = []byte(data)
		}
		response, requestErr := session.client.Do(ctx, request)
		if requestErr != nil {
			var httpErr *sessionclient.HTTPError
			if errors.As(requestErr, &httpErr) {
				_, _ = fmt.Fprintf(command.ErrOrStderr(), "%s\n", strings.TrimSpace(string(httpErr.Body)))
			}
			return requestErr
		}
		_, err := fmt.Fprintln(command.OutOrStdout(), strings.TrimSpace(string(response.Body)))
		return err
	})
	return requestCmd
}

func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	query := make(url.Values)
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, configError(configCodeInvalidQuery, fmt.Sprintf("query %q must be key=value", pair))
		}
		query.Add(strings.TrimSpace(key), value)
	}
	return query, nil
}

func newTenantCommand() *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Select the school API requests are scoped to",
	}
	tenantCmd.AddCommand(
		&cobra.Command{
			Use:   "use SCHOOL_ID",
			Short: "Switch to one of your schools",
			Args:  cobra.ExactArgs(1),
			RunE: withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
				tenant, switchErr := session.client.SwitchTenant(ctx, arguments[0])
				if switchErr != nil {
					return switchErr
				}
				_, err := fmt.Fprintf(command.OutOrStdout(), "active school %s (%s) as %s\n", tenant.TenantID, tenant.Name, tenant.Role)
				return err
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the active school",
			Args:  cobra.NoArgs,
			RunE: withClientSession("", func(ctx context.Context, command *cobra.Command, arguments []string, session *clientSession) error {
				session.client.ClearActiveTenant()
				_, err := fmt.Fprintln(command.OutOrStdout(), "active school cleared")
				return err
			}),
		},
	)
	return tenantCmd
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
