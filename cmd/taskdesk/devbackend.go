package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/taskdesk/internal/baas/devbackend"
	"go.uber.org/zap"
)

func newDevBackendCommand() *cobra.Command {
	devCmd := &cobra.Command{
		Use:   "dev-backend",
		Short: "Run an in-memory backend with the auth and profile endpoints for local development",
		RunE:  runDevBackend,
	}

	devCmd.Flags().String("dev_listen_addr", ":54321", "HTTP listen address for the development backend")
	devCmd.Flags().Duration("dev_access_ttl", time.Hour, "Access token lifetime")
	devCmd.Flags().String("seed_email", "", "Email of an account created at startup")
	devCmd.Flags().String("seed_password", "", "Password of the seeded account")
	devCmd.Flags().String("seed_name", "", "Profile name of the seeded account; empty skips the profile row")
	devCmd.Flags().String("seed_store", "", "Store reference of the seeded account")
	devCmd.Flags().String("seed_role", "employee", "Role of the seeded account")

	for _, key := range []string{"dev_listen_addr", "dev_access_ttl", "seed_email", "seed_password", "seed_name", "seed_store", "seed_role"} {
		_ = viper.BindPFlag(key, devCmd.Flags().Lookup(key))
	}
	return devCmd
}

// buildDevBackend validates configuration and returns a seeded backend.
func buildDevBackend(ctx context.Context, logger *zap.Logger) (*devbackend.Server, error) {
	apiKey := strings.TrimSpace(viper.GetString("backend_api_key"))
	if apiKey == "" {
		return nil, configError(configCodeMissingBackendAPIKey, "backend_api_key must be provided")
	}
	jwtSecret := viper.GetString("jwt_secret")
	if jwtSecret == "" {
		return nil, configError(configCodeMissingJWTSecret, "jwt_secret must be provided")
	}
	accessTTL, err := positiveDuration("dev_access_ttl")
	if err != nil {
		return nil, err
	}
	server, err := devbackend.New(devbackend.Config{
		APIKey:        apiKey,
		JWTSecret:     []byte(jwtSecret),
		AccessTTL:     accessTTL,
		ProfilesTable: viper.GetString("profiles_table"),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if seedEmail := strings.TrimSpace(viper.GetString("seed_email")); seedEmail != "" {
		if _, seedErr := server.Seed(ctx, devbackend.SeedUser{
			Email:    seedEmail,
			Password: viper.GetString("seed_password"),
			Name:     viper.GetString("seed_name"),
			Store:    viper.GetString("seed_store"),
			Role:     viper.GetString("seed_role"),
		}); seedErr != nil {
			return nil, seedErr
		}
	}
	return server, nil
}

func runDevBackend(command *cobra.Command, arguments []string) error {
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	if commandContext == nil {
		commandContext = context.Background()
	}
	runCtx, stop := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := buildDevBackend(runCtx, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	backend.MountRoutes(router)

	listenAddr := viper.GetString("dev_listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-runCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer graceCancel()
		if shutdownErr := server.Shutdown(graceCtx); shutdownErr != nil {
			logger.Error("server shutdown error", zap.Error(shutdownErr))
		}
	}()

	logger.Info("development backend listening",
		zap.String("code", "taskdesk.dev_backend.listening"),
		zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
