// Package web exposes the session controller and connection monitor to a browser UI.
package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/taskdesk/internal/connection"
	"github.com/tyemirov/taskdesk/internal/retry"
	"github.com/tyemirov/taskdesk/internal/session"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errMissingController = errors.New("web.bridge.missing_controller")
	errMissingMonitor    = errors.New("web.bridge.missing_monitor")
	errMissingBroker     = errors.New("web.bridge.missing_broker")
)

// SessionController is the part of session.Controller the bridge drives.
type SessionController interface {
	Snapshot() session.Snapshot
	Subscribe(listener func(session.Snapshot)) (unsubscribe func())
	Login(ctx context.Context, email string, password string) (bool, error)
	Register(ctx context.Context, name string, email string, password string, storeRef string) (bool, error)
	Logout(ctx context.Context) error
	NotifyFocus()
}

// ConnectionMonitor is the part of connection.Monitor the bridge reads.
type ConnectionMonitor interface {
	Status() connection.Status
	Subscribe(listener func(connection.Status)) (unsubscribe func())
}

// NetworkPublisher receives online/offline reports from the UI.
type NetworkPublisher interface {
	Publish(online bool)
}

// BridgeConfig wires the bridge.
type BridgeConfig struct {
	Controller     SessionController
	Monitor        ConnectionMonitor
	Network        NetworkPublisher
	Broker         *Broker
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// Bridge serves the UI routes.
type Bridge struct {
	controller     SessionController
	monitor        ConnectionMonitor
	network        NetworkPublisher
	broker         *Broker
	logger         *zap.Logger
	requestTimeout time.Duration
	unsubscribe    []func()
}

type connectionPayload struct {
	Status    connection.Status `json:"status"`
	Indicator string            `json:"indicator"`
}

func newConnectionPayload(status connection.Status) connectionPayload {
	return connectionPayload{Status: status, Indicator: connection.Indicator(status)}
}

// NewBridge validates the configuration and forwards controller and monitor changes to the broker.
func NewBridge(configuration BridgeConfig) (*Bridge, error) {
	if configuration.Controller == nil {
		return nil, errMissingController
	}
	if configuration.Monitor == nil {
		return nil, errMissingMonitor
	}
	if configuration.Broker == nil {
		return nil, errMissingBroker
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	requestTimeout := configuration.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	bridge := &Bridge{
		controller:     configuration.Controller,
		monitor:        configuration.Monitor,
		network:        configuration.Network,
		broker:         configuration.Broker,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
	bridge.unsubscribe = append(bridge.unsubscribe,
		configuration.Controller.Subscribe(func(snapshot session.Snapshot) {
			bridge.broker.Publish(Event{Name: EventSession, Data: snapshot})
		}),
		configuration.Monitor.Subscribe(func(status connection.Status) {
			bridge.broker.Publish(Event{Name: EventConnection, Data: newConnectionPayload(status)})
		}),
	)
	return bridge, nil
}

// Close detaches the bridge from the controller and monitor.
func (bridge *Bridge) Close() {
	for _, unsubscribe := range bridge.unsubscribe {
		unsubscribe()
	}
	bridge.unsubscribe = nil
}

// MountRoutes registers the UI routes.
func (bridge *Bridge) MountRoutes(router gin.IRouter) {
	router.GET("/healthz", bridge.handleHealth)
	router.POST("/auth/login", bridge.handleLogin)
	router.POST("/auth/register", bridge.handleRegister)
	router.POST("/auth/logout", bridge.handleLogout)

	api := router.Group("/api")
	api.GET("/session", bridge.handleSession)
	api.GET("/session/events", bridge.handleEvents)
	api.POST("/focus", bridge.handleFocus)
	api.GET("/connection", bridge.handleConnection)
	api.POST("/network", bridge.handleNetwork)
}

func (bridge *Bridge) requestContext(contextGin *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(contextGin.Request.Context(), bridge.requestTimeout)
}

func abortWithError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func (bridge *Bridge) handleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (bridge *Bridge) handleSession(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, bridge.controller.Snapshot())
}

func (bridge *Bridge) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil ||
		strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "email and password are required")
		return
	}

	ctx, cancel := bridge.requestContext(contextGin)
	defer cancel()
	ok, err := bridge.controller.Login(ctx, strings.TrimSpace(inbound.Email), inbound.Password)
	if ok {
		contextGin.JSON(http.StatusOK, bridge.controller.Snapshot())
		return
	}
	bridge.logger.Info("login rejected",
		zap.String("code", "web.login.failed"),
		zap.Error(err))
	bridge.abortWithOperationError(contextGin, err, http.StatusUnauthorized, "login_failed")
}

func (bridge *Bridge) handleRegister(contextGin *gin.Context) {
	var inbound struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Store    string `json:"store"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil ||
		strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" || strings.TrimSpace(inbound.Name) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "name, email and password are required")
		return
	}

	ctx, cancel := bridge.requestContext(contextGin)
	defer cancel()
	ok, err := bridge.controller.Register(ctx,
		strings.TrimSpace(inbound.Name),
		strings.TrimSpace(inbound.Email),
		inbound.Password,
		strings.TrimSpace(inbound.Store))
	if ok {
		contextGin.JSON(http.StatusCreated, gin.H{"registered": true})
		return
	}
	bridge.abortWithOperationError(contextGin, err, http.StatusUnprocessableEntity, "registration_failed")
}

// abortWithOperationError maps a failed controller operation to a response.
// Transient failures answer 503 with the connection message the controller published.
func (bridge *Bridge) abortWithOperationError(contextGin *gin.Context, err error, terminalStatus int, terminalCode string) {
	switch {
	case errors.Is(err, session.ErrClosed):
		abortWithError(contextGin, http.StatusServiceUnavailable, "session_closed", "session controller is shut down")
	case retry.IsRetryable(err):
		message := bridge.controller.Snapshot().ConnectionError
		if message == "" {
			message = err.Error()
		}
		abortWithError(contextGin, http.StatusServiceUnavailable, "backend_unavailable", message)
	default:
		message := terminalCode
		if err != nil {
			message = err.Error()
		}
		abortWithError(contextGin, terminalStatus, terminalCode, message)
	}
}

func (bridge *Bridge) handleLogout(contextGin *gin.Context) {
	ctx, cancel := bridge.requestContext(contextGin)
	defer cancel()
	if err := bridge.controller.Logout(ctx); err != nil {
		bridge.logger.Warn("remote sign out failed; local session cleared",
			zap.String("code", "web.logout.remote_failed"),
			zap.Error(err))
	}
	contextGin.JSON(http.StatusOK, bridge.controller.Snapshot())
}

func (bridge *Bridge) handleFocus(contextGin *gin.Context) {
	bridge.controller.NotifyFocus()
	contextGin.Status(http.StatusAccepted)
}

func (bridge *Bridge) handleConnection(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, newConnectionPayload(bridge.monitor.Status()))
}

func (bridge *Bridge) handleNetwork(contextGin *gin.Context) {
	var inbound struct {
		Online *bool `json:"online"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Online == nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "online must be a boolean")
		return
	}
	if bridge.network == nil {
		abortWithError(contextGin, http.StatusNotImplemented, "network_signals_disabled", "network signals are not relayed")
		return
	}
	bridge.network.Publish(*inbound.Online)
	contextGin.Status(http.StatusNoContent)
}

// handleEvents streams session, connection and redirect events until the client disconnects.
func (bridge *Bridge) handleEvents(contextGin *gin.Context) {
	events, unsubscribe := bridge.broker.Subscribe()
	defer unsubscribe()

	contextGin.Header("Content-Type", "text/event-stream")
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Header("Connection", "keep-alive")
	contextGin.Header("X-Accel-Buffering", "no")
	contextGin.Status(http.StatusOK)

	contextGin.SSEvent(EventSession, bridge.controller.Snapshot())
	contextGin.SSEvent(EventConnection, newConnectionPayload(bridge.monitor.Status()))
	contextGin.Writer.Flush()

	done := contextGin.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case event, open := <-events:
			if !open {
				return
			}
			contextGin.SSEvent(event.Name, event.Data)
			contextGin.Writer.Flush()
		}
	}
}
