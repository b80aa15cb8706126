package baas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/taskdesk/internal/retry"
	"github.com/tyemirov/taskdesk/internal/session"
	"go.uber.org/zap"
)

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         *userPayload `json:"user"`
}

// signUpResponse is either a bare user (confirmation pending) or a token response.
type signUpResponse struct {
	userPayload
	User *userPayload `json:"user"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func grantQuery(grantType string) url.Values {
	return url.Values{"grant_type": []string{grantType}}
}

func (client *Client) toStored(response tokenResponse) StoredSession {
	expiresAt := time.Unix(response.ExpiresAt, 0).UTC()
	if response.ExpiresAt == 0 {
		expiresAt = client.now().Add(time.Duration(response.ExpiresIn) * time.Second)
	}
	stored := StoredSession{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if response.User != nil {
		stored.UserID = response.User.ID
		stored.Email = response.User.Email
	}
	return stored
}

func (client *Client) toSession(stored StoredSession) *session.Session {
	identity := &session.Identity{ID: stored.UserID, Email: stored.Email}
	if claims, err := client.validator.ValidateToken(stored.AccessToken); err == nil {
		identity.ID = claims.GetUserID()
		if claims.GetUserEmail() != "" {
			identity.Email = claims.GetUserEmail()
		}
	}
	return &session.Session{
		AccessToken: stored.AccessToken,
		ExpiresAt:   stored.ExpiresAt,
		Identity:    identity,
	}
}

func (client *Client) needsRefresh(stored StoredSession) bool {
	if !client.now().Add(client.refreshMargin).Before(stored.ExpiresAt) {
		return true
	}
	_, err := client.validator.ValidateToken(stored.AccessToken)
	return err != nil
}

// GetSession returns the persisted session, refreshing it when it is about to expire.
// A refresh rejected by the backend clears the stored session and answers nil.
func (client *Client) GetSession(ctx context.Context) (*session.Session, error) {
	stored, err := client.store.Load(ctx, client.storageKey)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("baas.get_session: %w", err)
	}
	if client.needsRefresh(stored) {
		refreshed, refreshErr := client.refresh(ctx, stored.RefreshToken)
		if refreshErr != nil {
			if retry.IsRetryable(refreshErr) {
				return nil, fmt.Errorf("baas.get_session: %w", refreshErr)
			}
			return nil, nil
		}
		stored = refreshed
	}
	return client.toSession(stored), nil
}

// RefreshIfDue refreshes the stored session when it expires within the refresh margin.
func (client *Client) RefreshIfDue(ctx context.Context) error {
	stored, err := client.store.Load(ctx, client.storageKey)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("baas.refresh_if_due: %w", err)
	}
	if !client.needsRefresh(stored) {
		return nil
	}
	_, err = client.refresh(ctx, stored.RefreshToken)
	return err
}

// StartAutoRefresh refreshes the stored session on every tick until ctx is done.
func (client *Client) StartAutoRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = client.refreshMargin / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := client.RefreshIfDue(ctx); err != nil {
				client.logger.Warn("token auto refresh failed",
					zap.String("code", "baas.auto_refresh_failed"),
					zap.Error(err))
			}
		}
	}
}

// refresh exchanges a refresh token once per token value, however many callers race on it.
// The exchange is detached from the caller that started it so a cancelled
// caller does not fail the others waiting on the same token.
func (client *Client) refresh(ctx context.Context, refreshToken string) (StoredSession, error) {
	result, err, _ := client.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRequestTimeout)
		defer cancel()
		return client.exchangeRefreshToken(exchangeCtx, refreshToken)
	})
	if err != nil {
		return StoredSession{}, err
	}
	return result.(StoredSession), nil
}

func (client *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (StoredSession, error) {
	var response tokenResponse
	err := client.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   authPrefix + "/token",
		query:  grantQuery("refresh_token"),
		body:   refreshRequest{RefreshToken: refreshToken},
	}, &response)
	if err != nil {
		if !retry.IsRetryable(err) {
			client.logger.Warn("refresh token rejected",
				zap.String("code", "baas.refresh_rejected"),
				zap.Error(err))
			if deleteErr := client.store.Delete(ctx, client.storageKey); deleteErr != nil {
				client.logger.Warn("session store delete failed",
					zap.String("code", "baas.session_store.delete_failed"),
					zap.Error(deleteErr))
			}
			client.emit(session.EventTokenRefreshFailed, nil)
		}
		return StoredSession{}, fmt.Errorf("baas.refresh: %w", err)
	}

	stored := client.toStored(response)
	if saveErr := client.store.Save(ctx, client.storageKey, stored); saveErr != nil {
		return StoredSession{}, fmt.Errorf("baas.refresh.save: %w", saveErr)
	}
	client.emit(session.EventTokenRefreshed, client.toSession(stored))
	return stored, nil
}

// SignInWithPassword exchanges credentials for a session, persists it and emits SIGNED_IN.
func (client *Client) SignInWithPassword(ctx context.Context, email string, password string) (*session.Identity, error) {
	var response tokenResponse
	err := client.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   authPrefix + "/token",
		query:  grantQuery("password"),
		body:   credentials{Email: email, Password: password},
	}, &response)
	if err != nil {
		return nil, fmt.Errorf("baas.sign_in: %w", err)
	}
	if response.User == nil || response.User.ID == "" {
		return nil, fmt.Errorf("baas.sign_in: %w", session.ErrMissingIdentity)
	}
	stored := client.toStored(response)
	if saveErr := client.store.Save(ctx, client.storageKey, stored); saveErr != nil {
		return nil, fmt.Errorf("baas.sign_in.save: %w", saveErr)
	}
	current := client.toSession(stored)
	client.emit(session.EventSignedIn, current)
	return &session.Identity{ID: current.Identity.ID, Email: current.Identity.Email}, nil
}

// SignUp creates an identity. It does not persist a session.
func (client *Client) SignUp(ctx context.Context, email string, password string) (*session.Identity, error) {
	var response signUpResponse
	err := client.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   authPrefix + "/signup",
		body:   credentials{Email: email, Password: password},
	}, &response)
	if err != nil {
		return nil, fmt.Errorf("baas.sign_up: %w", err)
	}
	user := response.userPayload
	if response.User != nil {
		user = *response.User
	}
	if user.ID == "" {
		return nil, fmt.Errorf("baas.sign_up: %w", session.ErrMissingIdentity)
	}
	return &session.Identity{ID: user.ID, Email: user.Email}, nil
}

// SignOut revokes the session remotely, then always clears it locally and emits SIGNED_OUT.
func (client *Client) SignOut(ctx context.Context) error {
	var remoteErr error
	stored, loadErr := client.store.Load(ctx, client.storageKey)
	switch {
	case loadErr == nil && stored.AccessToken != "":
		remoteErr = client.do(ctx, apiRequest{
			method: http.MethodPost,
			path:   authPrefix + "/logout",
			bearer: stored.AccessToken,
		}, nil)
		var apiErr *APIError
		if errors.As(remoteErr, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNotFound) {
			remoteErr = nil
		}
	case loadErr != nil && !errors.Is(loadErr, ErrSessionNotFound):
		remoteErr = loadErr
	}

	deleteErr := client.store.Delete(ctx, client.storageKey)
	client.emit(session.EventSignedOut, nil)

	if err := errors.Join(remoteErr, deleteErr); err != nil {
		return fmt.Errorf("baas.sign_out: %w", err)
	}
	return nil
}

// Clear removes the persisted session without contacting the backend.
func (client *Client) Clear(ctx context.Context) error {
	if err := client.store.Delete(ctx, client.storageKey); err != nil {
		return fmt.Errorf("baas.clear: %w", err)
	}
	return nil
}

// accessToken returns the bearer for table requests: the session token when one is stored,
// otherwise the API key.
func (client *Client) accessToken(ctx context.Context) string {
	stored, err := client.store.Load(ctx, client.storageKey)
	if err != nil {
		return ""
	}
	if client.needsRefresh(stored) {
		refreshed, refreshErr := client.refresh(ctx, stored.RefreshToken)
		if refreshErr != nil {
			return stored.AccessToken
		}
		return refreshed.AccessToken
	}
	return stored.AccessToken
}
