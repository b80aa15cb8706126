// Package devbackend is a local stand-in for the hosted backend: the auth endpoints under
// /auth/v1 and a single profiles table under /rest/v1, kept in memory.
package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/taskdesk/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL     = time.Hour
	defaultRefreshTTL    = 30 * 24 * time.Hour
	defaultProfilesTable = "users"
	defaultRole          = "employee"
	authenticatedRole    = "authenticated"
)

var (
	errMissingAPIKey    = errors.New("devbackend.missing_api_key")
	errMissingJWTSecret = errors.New("devbackend.missing_jwt_secret")
)

// Config configures the development backend.
type Config struct {
	APIKey        string
	JWTSecret     []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ProfilesTable string
	BcryptCost    int
	Logger        *zap.Logger
	Now           func() time.Time
}

// Server serves the development backend routes.
type Server struct {
	configuration Config
	logger        *zap.Logger
	now           func() time.Time
	directory     *directory
	refresh       *refreshTokens
	validator     *sessionvalidator.Validator
	faults        *faultInjector
}

// New validates the configuration and constructs an empty backend.
func New(configuration Config) (*Server, error) {
	if strings.TrimSpace(configuration.APIKey) == "" {
		return nil, fmt.Errorf("devbackend.new: %w", errMissingAPIKey)
	}
	if len(configuration.JWTSecret) == 0 {
		return nil, fmt.Errorf("devbackend.new: %w", errMissingJWTSecret)
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = defaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = defaultRefreshTTL
	}
	if strings.TrimSpace(configuration.ProfilesTable) == "" {
		configuration.ProfilesTable = defaultProfilesTable
	}
	if configuration.BcryptCost == 0 {
		configuration.BcryptCost = bcrypt.DefaultCost
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := configuration.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.JWTSecret,
		Issuer:     configuration.Issuer,
		Clock:      clockFunc(now),
	})
	if err != nil {
		return nil, fmt.Errorf("devbackend.new.validator: %w", err)
	}
	return &Server{
		configuration: configuration,
		logger:        logger,
		now:           now,
		directory:     newDirectory(configuration.BcryptCost, now),
		refresh:       newRefreshTokens(now),
		validator:     validator,
		faults:        newFaultInjector(),
	}, nil
}

type clockFunc func() time.Time

func (clock clockFunc) Now() time.Time {
	return clock()
}

// SeedUser describes an account and its profile row.
type SeedUser struct {
	Email    string
	Password string
	Name     string
	Store    string
	Role     string
}

// Seed creates an account and, when Name is set, its profile row. It returns the auth id.
func (server *Server) Seed(ctx context.Context, user SeedUser) (string, error) {
	created, err := server.directory.createAccount(user.Email, user.Password)
	if err != nil {
		return "", fmt.Errorf("devbackend.seed: %w", err)
	}
	if strings.TrimSpace(user.Name) == "" {
		return created.ID, nil
	}
	role := user.Role
	if role == "" {
		role = defaultRole
	}
	if _, insertErr := server.directory.insertProfile(ProfileRow{
		AuthID: created.ID,
		Name:   user.Name,
		Email:  created.Email,
		Store:  user.Store,
		Role:   role,
	}); insertErr != nil {
		return "", fmt.Errorf("devbackend.seed.profile: %w", insertErr)
	}
	server.logger.Info("seeded user",
		zap.String("code", "devbackend.seed"),
		zap.String("user_id", created.ID),
		zap.String("email", created.Email))
	return created.ID, nil
}

// DeleteProfile removes the profile row for an auth id, leaving the account in place.
func (server *Server) DeleteProfile(authID string) bool {
	return server.directory.deleteProfile(authID)
}

// Profiles returns rows matching the column filters.
func (server *Server) Profiles(filters map[string]string) []ProfileRow {
	return server.directory.selectProfiles(filters, 0)
}

// InjectFailures makes the next count requests whose path starts with prefix answer with status.
func (server *Server) InjectFailures(prefix string, count int, status int) {
	server.faults.add(prefix, count, status)
}

// RevokeSessions revokes every refresh token of the user.
func (server *Server) RevokeSessions(userID string) int {
	return server.refresh.RevokeUser(userID)
}

// Handler returns a gin engine with the backend routes mounted.
func (server *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	server.MountRoutes(router)
	return router
}

// MountRoutes registers the auth and table routes.
func (server *Server) MountRoutes(router gin.IRouter) {
	router.Use(server.faults.middleware())
	auth := router.Group("/auth/v1", server.requireAPIKey)
	auth.POST("/token", server.handleToken)
	auth.POST("/signup", server.handleSignUp)
	auth.POST("/logout", server.validator.BearerMiddleware(claimsContextKey), server.handleLogout)

	rest := router.Group("/rest/v1", server.requireAPIKey, server.restAuthorization)
	rest.GET("/:table", server.handleSelect)
	rest.POST("/:table", server.handleInsert)
}

type issuedSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (server *Server) issueSession(found *account, sessionID string, previousTokenID string) (issuedSession, error) {
	issuedAt := server.now()
	expiresAt := issuedAt.Add(server.configuration.AccessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Email:     found.Email,
		Role:      authenticatedRole,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    server.configuration.Issuer,
			Subject:   found.ID,
			Audience:  jwt.ClaimStrings{authenticatedRole},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(server.configuration.JWTSecret)
	if err != nil {
		return issuedSession{}, fmt.Errorf("devbackend.sign: %w", err)
	}
	_, opaque, issueErr := server.refresh.Issue(found.ID, sessionID, issuedAt.Add(server.configuration.RefreshTTL), previousTokenID)
	if issueErr != nil {
		return issuedSession{}, fmt.Errorf("devbackend.issue_refresh: %w", issueErr)
	}
	return issuedSession{AccessToken: signed, RefreshToken: opaque, ExpiresAt: expiresAt}, nil
}

func newSessionID() string {
	return uuid.NewString()
}

type faultInjector struct {
	mutex  sync.Mutex
	faults []*fault
}

type fault struct {
	prefix    string
	remaining int
	status    int
}

func newFaultInjector() *faultInjector {
	return &faultInjector{}
}

func (injector *faultInjector) add(prefix string, count int, status int) {
	injector.mutex.Lock()
	defer injector.mutex.Unlock()
	injector.faults = append(injector.faults, &fault{prefix: prefix, remaining: count, status: status})
}

func (injector *faultInjector) take(path string) (int, bool) {
	injector.mutex.Lock()
	defer injector.mutex.Unlock()
	for _, candidate := range injector.faults {
		if candidate.remaining > 0 && strings.HasPrefix(path, candidate.prefix) {
			candidate.remaining--
			return candidate.status, true
		}
	}
	return 0, false
}

func (injector *faultInjector) middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if status, ok := injector.take(contextGin.Request.URL.Path); ok {
			contextGin.AbortWithStatusJSON(status, gin.H{
				"message": "upstream connect error or disconnect/reset before headers",
			})
			return
		}
		contextGin.Next()
	}
}
