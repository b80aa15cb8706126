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
	"github.com/tyemirov/taskdesk/internal/baas"
	"github.com/tyemirov/taskdesk/internal/connection"
	"github.com/tyemirov/taskdesk/internal/profilepg"
	"github.com/tyemirov/taskdesk/internal/session"
	"github.com/tyemirov/taskdesk/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

type contextKey string

const serveConfigContextKey contextKey = "serveConfig"

const shutdownGrace = 10 * time.Second

// serveConfig is the validated configuration of the serve command.
type serveConfig struct {
	Backend            backendSettings
	ListenAddr         string
	SessionStoreURL    string
	ProfileDatabaseURL string
	ProbeInterval      time.Duration
	FocusDebounce      time.Duration
	RequestTimeout     time.Duration
	RefreshInterval    time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the session controller and the UI bridge",
		PreRunE: prepareServeConfig,
		RunE:    runServe,
	}

	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address for the UI bridge")
	serveCmd.Flags().String("session_store_url", "", "Where the backend session persists (memory://, sqlite://, postgres://, redis://; empty keeps it in memory)")
	serveCmd.Flags().String("profile_database_url", "", "Optional postgres:// URL to read and write profiles directly")
	serveCmd.Flags().Duration("probe_interval", connection.DefaultProbeInterval, "Interval between backend connectivity probes")
	serveCmd.Flags().Duration("focus_debounce", time.Second, "Quiet period before a focus event revalidates the session")
	serveCmd.Flags().Duration("request_timeout", 30*time.Second, "Upper bound for one login, register or logout request")
	serveCmd.Flags().Duration("refresh_interval", 30*time.Second, "Interval between access token expiry checks")
	serveCmd.Flags().Bool("enable_cors", false, "Enable CORS for a UI served from another origin")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, key := range []string{
		"listen_addr", "session_store_url", "profile_database_url", "probe_interval",
		"focus_debounce", "request_timeout", "refresh_interval", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(key, serveCmd.Flags().Lookup(key))
	}
	return serveCmd
}

func prepareServeConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := loadServeConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serveConfigContextKey, configuration))
	return nil
}

func loadServeConfig() (serveConfig, error) {
	backend, err := loadBackendSettings()
	if err != nil {
		return serveConfig{}, err
	}
	durations := make(map[string]time.Duration)
	for _, key := range []string{"probe_interval", "focus_debounce", "request_timeout", "refresh_interval"} {
		value, durationErr := positiveDuration(key)
		if durationErr != nil {
			return serveConfig{}, durationErr
		}
		durations[key] = value
	}
	enableCORS := viper.GetBool("enable_cors")
	origins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(origins) == 0 {
		return serveConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}
	return serveConfig{
		Backend:            backend,
		ListenAddr:         viper.GetString("listen_addr"),
		SessionStoreURL:    strings.TrimSpace(viper.GetString("session_store_url")),
		ProfileDatabaseURL: strings.TrimSpace(viper.GetString("profile_database_url")),
		ProbeInterval:      durations["probe_interval"],
		FocusDebounce:      durations["focus_debounce"],
		RequestTimeout:     durations["request_timeout"],
		RefreshInterval:    durations["refresh_interval"],
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: origins,
	}, nil
}

// profileBackend resolves where profiles are read and how connectivity is probed.
func profileBackend(ctx context.Context, configuration serveConfig, client *baas.Client, logger *zap.Logger) (session.ProfileStore, connection.Prober, func(), error) {
	if configuration.ProfileDatabaseURL == "" {
		return client, client, func() {}, nil
	}
	pool, err := profilepg.BuildPool(ctx, configuration.ProfileDatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	store := profilepg.New(pool, profilepg.Config{Table: configuration.Backend.ProfilesTable, Logger: logger})
	if schemaErr := store.EnsureSchema(ctx); schemaErr != nil {
		pool.Close()
		return nil, nil, nil, schemaErr
	}
	logger.Info("reading profiles from postgres",
		zap.String("code", "taskdesk.profiles.postgres"))
	prober := connection.ProberFunc(func(probeCtx context.Context) error {
		if probeErr := client.Probe(probeCtx); probeErr != nil {
			return probeErr
		}
		return store.Probe(probeCtx)
	})
	return store, prober, pool.Close, nil
}

func runServe(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serveConfigContextKey)
	} else {
		commandContext = context.Background()
	}
	configuration, ok := contextValue.(serveConfig)
	if !ok {
		return configError(configCodeUninitializedConfig, "serve configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	runCtx, stop := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionStore, storeLabel, storeErr := baas.OpenSessionStore(runCtx, configuration.SessionStoreURL)
	if storeErr != nil {
		return storeErr
	}
	logger.Info("session store ready",
		zap.String("code", "taskdesk.session_store"),
		zap.String("driver", storeLabel))

	client, clientErr := buildClient(configuration.Backend, sessionStore, logger)
	if clientErr != nil {
		return clientErr
	}
	profiles, prober, closeProfiles, profilesErr := profileBackend(runCtx, configuration, client, logger)
	if profilesErr != nil {
		return profilesErr
	}
	defer closeProfiles()

	broker := web.NewBroker(logger)
	signals := connection.NewSignalHub(true)
	metrics := session.NewCounterMetrics()

	controller, controllerErr := session.NewController(session.Config{
		Auth:       client,
		Profiles:   profiles,
		Navigator:  web.Redirector{Broker: broker},
		LocalState: client,
		Logger:     logger,
		Metrics:    metrics,

		FocusDebounce: configuration.FocusDebounce,
	})
	if controllerErr != nil {
		return controllerErr
	}
	monitor, monitorErr := connection.NewMonitor(connection.Config{
		Prober:   prober,
		Signals:  signals,
		Interval: configuration.ProbeInterval,
		Logger:   logger,
	})
	if monitorErr != nil {
		return monitorErr
	}
	bridge, bridgeErr := web.NewBridge(web.BridgeConfig{
		Controller:     controller,
		Monitor:        monitor,
		Network:        signals,
		Broker:         broker,
		Logger:         logger,
		RequestTimeout: configuration.RequestTimeout,
	})
	if bridgeErr != nil {
		return bridgeErr
	}
	defer bridge.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if configuration.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, configuration.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}
	bridge.MountRoutes(router)

	server := &http.Server{
		Addr:              configuration.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer stop()
		logger.Info("listening", zap.String("addr", configuration.ListenAddr))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error",
				zap.String("code", "taskdesk.shutdown_failed"),
				zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		if err := client.StartAutoRefresh(groupCtx, configuration.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := monitor.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()
		monitor.Stop()
		return nil
	})
	group.Go(func() error {
		if err := controller.Start(groupCtx); err != nil && !errors.Is(err, session.ErrClosed) {
			return err
		}
		return nil
	})

	waitErr := group.Wait()
	controller.Close()
	controller.Wait()
	logger.Info("stopped",
		zap.String("code", "taskdesk.stopped"),
		zap.Any("session_counters", metrics.Snapshot()))
	return waitErr
}
