package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/taskdesk/internal/baas"
	"github.com/tyemirov/taskdesk/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	configCodeMissingBackendURL    = "config.missing_backend_url"
	configCodeMissingBackendAPIKey = "config.missing_backend_api_key"
	configCodeMissingJWTSecret     = "config.missing_jwt_secret"
	configCodeInvalidDuration      = "config.invalid_duration"
	configCodeEnvFile              = "config.env_file"
	configCodeUninitializedConfig  = "config.uninitialized_serve_config"
	configCodeMissingCORSOrigins   = "config.missing_cors_allowed_origins"
)

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "taskdesk",
		Short:             "Session and connectivity core for the store task desk",
		SilenceUsage:      true,
		PersistentPreRunE: loadEnvFile,
	}

	rootCmd.PersistentFlags().String("env_file", "", "Optional .env file loaded before reading configuration")
	rootCmd.PersistentFlags().String("backend_url", "", "Base URL of the backend (auth under /auth/v1, tables under /rest/v1)")
	rootCmd.PersistentFlags().String("backend_api_key", "", "Public API key sent with every backend request")
	rootCmd.PersistentFlags().String("jwt_secret", "", "HS256 secret for access tokens; empty disables signature checks on the client")
	rootCmd.PersistentFlags().String("profiles_table", "users", "Table holding user profiles")

	for _, key := range []string{"env_file", "backend_url", "backend_api_key", "jwt_secret", "profiles_table"} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}

	viper.SetEnvPrefix("TASKDESK")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCommand(), newDevBackendCommand(), newProbeCommand())
	return rootCmd
}

func loadEnvFile(command *cobra.Command, arguments []string) error {
	envFile := strings.TrimSpace(viper.GetString("env_file"))
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return configError(configCodeEnvFile, fmt.Sprintf("cannot load %s: %v", envFile, err))
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func positiveDuration(key string) (time.Duration, error) {
	value := viper.GetDuration(key)
	if value <= 0 {
		return 0, configError(configCodeInvalidDuration, key+" must be greater than zero")
	}
	return value, nil
}

// backendSettings are shared by every command that talks to the backend.
type backendSettings struct {
	BaseURL       string
	APIKey        string
	JWTSecret     string
	ProfilesTable string
}

func loadBackendSettings() (backendSettings, error) {
	baseURL := strings.TrimSpace(viper.GetString("backend_url"))
	if baseURL == "" {
		return backendSettings{}, configError(configCodeMissingBackendURL, "backend_url must be provided")
	}
	apiKey := strings.TrimSpace(viper.GetString("backend_api_key"))
	if apiKey == "" {
		return backendSettings{}, configError(configCodeMissingBackendAPIKey, "backend_api_key must be provided")
	}
	return backendSettings{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		JWTSecret:     viper.GetString("jwt_secret"),
		ProfilesTable: viper.GetString("profiles_table"),
	}, nil
}

func buildClient(settings backendSettings, store baas.SessionStore, logger *zap.Logger) (*baas.Client, error) {
	validatorConfig := sessionvalidator.Config{AllowUnverified: true}
	if settings.JWTSecret != "" {
		validatorConfig = sessionvalidator.Config{SigningKey: []byte(settings.JWTSecret)}
	}
	validator, err := sessionvalidator.New(validatorConfig)
	if err != nil {
		return nil, fmt.Errorf("taskdesk.validator: %w", err)
	}
	return baas.NewClient(baas.Config{
		BaseURL:       settings.BaseURL,
		APIKey:        settings.APIKey,
		ProfilesTable: settings.ProfilesTable,
		Store:         store,
		Validator:     validator,
		Logger:        logger,
	})
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
