package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tsession",
		Short:         "Session-aware API client with a companion auth server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("base_url", "", "API root the client talks to, e.g. https://school.example.com/api")
	rootCmd.PersistentFlags().String("state_url", "", "Database URL for client state (sqlite:// or postgres://; defaults to ~/.tsession/state.db)")
	rootCmd.PersistentFlags().String("profile", "default", "Client state profile name")
	rootCmd.PersistentFlags().Duration("request_timeout", 60*time.Second, "Timeout for every client network call")
	rootCmd.PersistentFlags().String("tenant_header", "X-School-ID", "Header carrying the active school on API requests")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error)")

	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("state_url", rootCmd.PersistentFlags().Lookup("state_url"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	_ = viper.BindPFlag("request_timeout", rootCmd.PersistentFlags().Lookup("request_timeout"))
	_ = viper.BindPFlag("tenant_header", rootCmd.PersistentFlags().Lookup("tenant_header"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newRestoreCommand(),
		newWhoAmICommand(),
		newRequestCommand(),
		newTenantCommand(),
	)
	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// newLogger builds a production logger at the configured level.
var newLogger = func() (*zap.Logger, error) {
	level, levelErr := zapcore.ParseLevel(viper.GetString("log_level"))
	if levelErr != nil {
		return nil, configError(configCodeInvalidLogLevel, levelErr.Error())
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(level)
	return loggerConfig.Build()
}

// splitList accepts both repeated flags and comma separated environment values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
