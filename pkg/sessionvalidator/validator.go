package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	// SigningKey verifies HS256 signatures. Leave empty with AllowUnverified on clients
	// that never hold the backend secret.
	SigningKey      []byte
	AllowUnverified bool
	// Issuer is compared with the iss claim when set.
	Issuer          string
	Clock           Clock
}

// DefaultContextKey is used by BearerMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

const bearerPrefix = "bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingBearer     = errors.New("session.validator.missing_bearer")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// Validator validates backend access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
	parser     *jwt.Parser
}

// Claims represent the payload of a backend access token.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// GetUserID returns the identity identifier carried in sub.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 && !configuration.AllowUnverified {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	validator := &Validator{
		signingKey: configuration.SigningKey,
		issuer:     strings.TrimSpace(configuration.Issuer),
		clock:      clock,
	}
	validator.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return validator.clock.Now() }),
	)
	return validator, nil
}

// Verifies reports whether signatures are checked.
func (validator *Validator) Verifies() bool {
	return len(validator.signingKey) > 0
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if validator.Verifies() {
		parsedToken, parseErr := validator.parser.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
			return validator.signingKey, nil
		})
		if parseErr != nil {
			if errors.Is(parseErr, jwt.ErrTokenExpired) {
				return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
			}
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
		if parsedToken == nil || !parsedToken.Valid {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	} else if _, _, parseErr := validator.parser.ParseUnverified(tokenString, claims); parseErr != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}

	if validator.issuer != "" && claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt != nil && current.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) <= len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(trimmed[len(bearerPrefix):])
	return token, token != ""
}

// ValidateRequest reads the bearer token from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	token, ok := BearerToken(request.Header.Get("Authorization"))
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingBearer)
	}
	return validator.ValidateToken(token)
}

// BearerMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) BearerMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "PGRST301",
				"message": "JWT invalid or expired",
			})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
