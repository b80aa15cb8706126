package devbackend

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/taskdesk/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	anonymousKey     = "anonymous"
	objectMediaType  = "application/vnd.pgrst.object+json"
)

func (server *Server) requireAPIKey(contextGin *gin.Context) {
	if contextGin.GetHeader("apikey") != server.configuration.APIKey {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"message": "Invalid API key",
		})
		return
	}
	contextGin.Next()
}

// restAuthorization accepts the API key as an anonymous bearer or a valid access token.
func (server *Server) restAuthorization(contextGin *gin.Context) {
	token, _ := sessionvalidator.BearerToken(contextGin.GetHeader("Authorization"))
	if token == server.configuration.APIKey {
		contextGin.Set(anonymousKey, true)
		contextGin.Next()
		return
	}
	server.validator.BearerMiddleware(claimsContextKey)(contextGin)
}

func grantError(contextGin *gin.Context, description string) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":             "invalid_grant",
		"error_description": description,
	})
}

func (server *Server) handleToken(contextGin *gin.Context) {
	switch contextGin.Query("grant_type") {
	case "password":
		server.handlePasswordGrant(contextGin)
	case "refresh_token":
		server.handleRefreshGrant(contextGin)
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported_grant_type",
			"error_description": "grant_type must be password or refresh_token",
		})
	}
}

func (server *Server) handlePasswordGrant(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		grantError(contextGin, "invalid request body")
		return
	}
	found, err := server.directory.authenticate(inbound.Email, inbound.Password)
	if err != nil {
		server.logger.Info("password grant rejected",
			zap.String("code", "devbackend.token.invalid_credentials"))
		grantError(contextGin, "Invalid login credentials")
		return
	}
	server.writeSession(contextGin, found, newSessionID(), "")
}

func (server *Server) handleRefreshGrant(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		grantError(contextGin, "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	record, err := server.refresh.Validate(inbound.RefreshToken)
	if err != nil {
		description := "Invalid Refresh Token: Refresh Token Not Found"
		if errors.Is(err, ErrRefreshTokenRevoked) {
			description = "Invalid Refresh Token: Already Used"
		}
		server.logger.Info("refresh grant rejected",
			zap.String("code", "devbackend.token.invalid_refresh"),
			zap.Error(err))
		grantError(contextGin, description)
		return
	}
	found, ok := server.directory.accountByID(record.UserID)
	if !ok {
		grantError(contextGin, "User not found")
		return
	}
	if revokeErr := server.refresh.Revoke(record.TokenID); revokeErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	server.writeSession(contextGin, found, record.SessionID, record.TokenID)
}

func (server *Server) writeSession(contextGin *gin.Context, found *account, sessionID string, previousTokenID string) {
	issued, err := server.issueSession(found, sessionID, previousTokenID)
	if err != nil {
		server.logger.Error("session issue failed",
			zap.String("code", "devbackend.token.issue_failed"),
			zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":  issued.AccessToken,
		"token_type":    "bearer",
		"expires_in":    int64(server.configuration.AccessTTL.Seconds()),
		"expires_at":    issued.ExpiresAt.Unix(),
		"refresh_token": issued.RefreshToken,
		"user": gin.H{
			"id":    found.ID,
			"email": found.Email,
			"role":  authenticatedRole,
		},
	})
}

func (server *Server) handleSignUp(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"code":       http.StatusBadRequest,
			"error_code": "validation_failed",
			"msg":        "Email and password are required",
		})
		return
	}
	created, err := server.directory.createAccount(inbound.Email, inbound.Password)
	switch {
	case errors.Is(err, ErrAccountExists):
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"code":       http.StatusUnprocessableEntity,
			"error_code": "user_already_exists",
			"msg":        "User already registered",
		})
		return
	case errors.Is(err, ErrWeakPassword):
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"code":       http.StatusUnprocessableEntity,
			"error_code": "weak_password",
			"msg":        "Password should be at least 6 characters.",
		})
		return
	case err != nil:
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	server.logger.Info("account created",
		zap.String("code", "devbackend.signup"),
		zap.String("user_id", created.ID))
	contextGin.JSON(http.StatusOK, gin.H{
		"id":         created.ID,
		"email":      created.Email,
		"role":       authenticatedRole,
		"created_at": created.CreatedAt,
	})
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	claims, ok := claimsFrom(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	revoked := server.refresh.RevokeUser(claims.GetUserID())
	server.logger.Info("signed out",
		zap.String("code", "devbackend.logout"),
		zap.String("user_id", claims.GetUserID()),
		zap.Int("revoked", revoked))
	contextGin.Status(http.StatusNoContent)
}

func claimsFrom(contextGin *gin.Context) (*sessionvalidator.Claims, bool) {
	value, found := contextGin.Get(claimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*sessionvalidator.Claims)
	return claims, ok && claims != nil
}

func (server *Server) requireTable(contextGin *gin.Context) bool {
	if contextGin.Param("table") == server.configuration.ProfilesTable {
		return true
	}
	contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{
		"code":    "42P01",
		"message": "relation \"public." + contextGin.Param("table") + "\" does not exist",
	})
	return false
}

func (server *Server) handleSelect(contextGin *gin.Context) {
	if !server.requireTable(contextGin) {
		return
	}
	filters := make(map[string]string)
	for column, values := range contextGin.Request.URL.Query() {
		if column == "select" || column == "limit" || len(values) == 0 {
			continue
		}
		expected, ok := strings.CutPrefix(values[0], "eq.")
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "PGRST100",
				"message": "unsupported filter on " + column,
			})
			return
		}
		filters[column] = expected
	}
	limit := 0
	if rawLimit := contextGin.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "PGRST100",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	rows := server.directory.selectProfiles(filters, limit)
	projected := make([]gin.H, 0, len(rows))
	columns := selectedColumns(contextGin.Query("select"))
	for _, row := range rows {
		all := row.columns()
		selected := gin.H{}
		for _, column := range columns {
			if value, ok := all[column]; ok {
				selected[column] = value
			}
		}
		if len(columns) == 0 {
			for column, value := range all {
				selected[column] = value
			}
		}
		projected = append(projected, selected)
	}

	if strings.Contains(contextGin.GetHeader("Accept"), objectMediaType) {
		if len(projected) != 1 {
			contextGin.AbortWithStatusJSON(http.StatusNotAcceptable, gin.H{
				"code":    "PGRST116",
				"details": "The result contains " + strconv.Itoa(len(projected)) + " rows",
				"message": "JSON object requested, multiple (or no) rows returned",
			})
			return
		}
		contextGin.JSON(http.StatusOK, projected[0])
		return
	}
	contextGin.JSON(http.StatusOK, projected)
}

func selectedColumns(selection string) []string {
	if strings.TrimSpace(selection) == "" || strings.TrimSpace(selection) == "*" {
		return nil
	}
	parts := strings.Split(selection, ",")
	columns := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			columns = append(columns, trimmed)
		}
	}
	return columns
}

func (server *Server) handleInsert(contextGin *gin.Context) {
	if !server.requireTable(contextGin) {
		return
	}
	var inbound []struct {
		AuthID string `json:"auth_id"`
		Name   string `json:"name"`
		Email  string `json:"email"`
		Store  string `json:"store"`
		Role   string `json:"role"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || len(inbound) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"code":    "PGRST102",
			"message": "Empty or invalid json",
		})
		return
	}
	for _, candidate := range inbound {
		if strings.TrimSpace(candidate.AuthID) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "23502",
				"message": "null value in column \"auth_id\" violates not-null constraint",
			})
			return
		}
		role := candidate.Role
		if role == "" {
			role = defaultRole
		}
		_, err := server.directory.insertProfile(ProfileRow{
			AuthID: candidate.AuthID,
			Name:   candidate.Name,
			Email:  candidate.Email,
			Store:  candidate.Store,
			Role:   role,
		})
		if errors.Is(err, ErrDuplicateProfile) {
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"code":    "23505",
				"message": "duplicate key value violates unique constraint \"users_auth_id_key\"",
			})
			return
		}
		if err != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	contextGin.Status(http.StatusCreated)
}
