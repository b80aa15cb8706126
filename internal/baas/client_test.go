package baas

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/taskdesk/internal/baas/devbackend"
	"github.com/tyemirov/taskdesk/internal/retry"
	"github.com/tyemirov/taskdesk/internal/session"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAPIKey   = "anon-key"
	testPassword = "secreto-123"
)

type eventRecorder struct {
	mutex  sync.Mutex
	events []session.AuthChange
}

func (recorder *eventRecorder) record(change session.AuthChange) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.events = append(recorder.events, change)
}

func (recorder *eventRecorder) names() []session.AuthEvent {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	names := make([]session.AuthEvent, 0, len(recorder.events))
	for _, change := range recorder.events {
		names = append(names, change.Event)
	}
	return names
}

type testBackend struct {
	server  *devbackend.Server
	http    *httptest.Server
	client  *Client
	store   *MemorySessionStore
	events  *eventRecorder
	aliceID string
}

func newTestBackend(t *testing.T, accessTTL time.Duration, refreshMargin time.Duration) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	server, err := devbackend.New(devbackend.Config{
		APIKey:     testAPIKey,
		JWTSecret:  []byte("dev-secret"),
		AccessTTL:  accessTTL,
		BcryptCost: bcrypt.MinCost,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("devbackend: %v", err)
	}
	aliceID, seedErr := server.Seed(context.Background(), devbackend.SeedUser{
		Email:    "ana@tienda.com",
		Password: testPassword,
		Name:     "Ana",
		Store:    "S-01",
		Role:     "supervisor",
	})
	if seedErr != nil {
		t.Fatalf("seed: %v", seedErr)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	store := NewMemorySessionStore()
	client, clientErr := NewClient(Config{
		BaseURL:       httpServer.URL,
		APIKey:        testAPIKey,
		Store:         store,
		Logger:        logger,
		RefreshMargin: refreshMargin,
	})
	if clientErr != nil {
		t.Fatalf("client: %v", clientErr)
	}
	events := &eventRecorder{}
	client.OnAuthStateChange(events.record)

	return &testBackend{
		server:  server,
		http:    httpServer,
		client:  client,
		store:   store,
		events:  events,
		aliceID: aliceID,
	}
}

func (backend *testBackend) signIn(t *testing.T) *session.Identity {
	t.Helper()
	identity, err := backend.client.SignInWithPassword(context.Background(), "ana@tienda.com", testPassword)
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return identity
}

func TestNewClientValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{APIKey: testAPIKey}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
	if _, err := NewClient(Config{BaseURL: "https://abcd.supabase.co"}); !errors.Is(err, errMissingAPIKey) {
		t.Fatalf("expected missing api key, got %v", err)
	}
	client, err := NewClient(Config{BaseURL: "https://abcd.supabase.co/", APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.StorageKey() != "sb-abcd-auth-token" {
		t.Fatalf("unexpected storage key %q", client.StorageKey())
	}
}

func TestSignInPersistsSessionAndEmitsSignedIn(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	identity := backend.signIn(t)
	if identity.ID != backend.aliceID || identity.Email != "ana@tienda.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if names := backend.events.names(); len(names) != 1 || names[0] != session.EventSignedIn {
		t.Fatalf("expected SIGNED_IN, got %v", names)
	}

	current, err := backend.client.GetSession(context.Background())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !current.HasIdentity() || current.Identity.ID != backend.aliceID {
		t.Fatalf("unexpected session: %+v", current)
	}
	if len(backend.events.names()) != 1 {
		t.Fatalf("a fresh session must not be refreshed")
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	_, err := backend.client.SignInWithPassword(context.Background(), "ana@tienda.com", "wrong-password")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "invalid_grant" || apiErr.Message != "Invalid login credentials" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if retry.IsRetryable(err) {
		t.Fatalf("invalid credentials must be terminal")
	}
	if _, loadErr := backend.store.Load(context.Background(), backend.client.StorageKey()); !errors.Is(loadErr, ErrSessionNotFound) {
		t.Fatalf("failed sign-in must not persist a session")
	}
}

func TestGetSessionWithoutStoredSession(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	current, err := backend.client.GetSession(context.Background())
	if err != nil || current != nil {
		t.Fatalf("expected no session, got %+v err=%v", current, err)
	}
}

func TestGetSessionRefreshesExpiringToken(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, 30*time.Second, time.Minute)
	backend.signIn(t)
	before, _ := backend.store.Load(context.Background(), backend.client.StorageKey())

	current, err := backend.client.GetSession(context.Background())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if current.Identity.ID != backend.aliceID {
		t.Fatalf("unexpected identity after refresh: %+v", current.Identity)
	}
	after, _ := backend.store.Load(context.Background(), backend.client.StorageKey())
	if after.RefreshToken == before.RefreshToken {
		t.Fatalf("expected the refresh token to rotate")
	}
	names := backend.events.names()
	if len(names) != 2 || names[1] != session.EventTokenRefreshed {
		t.Fatalf("expected TOKEN_REFRESHED, got %v", names)
	}
}

func TestRejectedRefreshClearsSession(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, 30*time.Second, time.Minute)
	backend.signIn(t)
	if revoked := backend.server.RevokeSessions(backend.aliceID); revoked != 1 {
		t.Fatalf("expected one revoked token, got %d", revoked)
	}

	current, err := backend.client.GetSession(context.Background())
	if err != nil || current != nil {
		t.Fatalf("expected no session after rejected refresh, got %+v err=%v", current, err)
	}
	names := backend.events.names()
	if names[len(names)-1] != session.EventTokenRefreshFailed {
		t.Fatalf("expected TOKEN_REFRESH_FAILED, got %v", names)
	}
	if _, loadErr := backend.store.Load(context.Background(), backend.client.StorageKey()); !errors.Is(loadErr, ErrSessionNotFound) {
		t.Fatalf("expected stored session to be cleared")
	}
}

func TestTransientRefreshFailureKeepsSession(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, 30*time.Second, time.Minute)
	backend.signIn(t)
	backend.server.InjectFailures("/auth/v1/token", 1, http.StatusServiceUnavailable)

	_, err := backend.client.GetSession(context.Background())
	if err == nil || !retry.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	if _, loadErr := backend.store.Load(context.Background(), backend.client.StorageKey()); loadErr != nil {
		t.Fatalf("transient failures must keep the stored session: %v", loadErr)
	}
	for _, name := range backend.events.names() {
		if name == session.EventTokenRefreshFailed {
			t.Fatalf("transient failures must not emit TOKEN_REFRESH_FAILED")
		}
	}
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	backend.signIn(t)
	before, loadErr := backend.store.Load(context.Background(), backend.client.StorageKey())
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	rotated, err := backend.client.refresh(cancelled, before.RefreshToken)
	if err != nil {
		t.Fatalf("expected the shared exchange to ignore caller cancellation, got %v", err)
	}
	if rotated.RefreshToken == "" || rotated.RefreshToken == before.RefreshToken {
		t.Fatalf("expected a rotated refresh token, got %+v", rotated)
	}
	after, _ := backend.store.Load(context.Background(), backend.client.StorageKey())
	if after.RefreshToken != rotated.RefreshToken {
		t.Fatalf("expected the rotated session to be stored")
	}
}

func TestRefreshIfDue(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	if err := backend.client.RefreshIfDue(context.Background()); err != nil {
		t.Fatalf("no session must be a no-op: %v", err)
	}
	backend.signIn(t)
	if err := backend.client.RefreshIfDue(context.Background()); err != nil {
		t.Fatalf("refresh if due: %v", err)
	}
	if len(backend.events.names()) != 1 {
		t.Fatalf("a fresh session must not be refreshed, got %v", backend.events.names())
	}
}

func TestSignOutClearsSessionWhenBackendFails(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	backend.signIn(t)
	backend.server.InjectFailures("/auth/v1/logout", 1, http.StatusBadGateway)

	err := backend.client.SignOut(context.Background())
	if err == nil {
		t.Fatalf("expected the remote failure to be reported")
	}
	if _, loadErr := backend.store.Load(context.Background(), backend.client.StorageKey()); !errors.Is(loadErr, ErrSessionNotFound) {
		t.Fatalf("expected stored session to be cleared")
	}
	names := backend.events.names()
	if names[len(names)-1] != session.EventSignedOut {
		t.Fatalf("expected SIGNED_OUT, got %v", names)
	}
}

func TestSignOutRevokesRefreshTokens(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	backend.signIn(t)
	if err := backend.client.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if revoked := backend.server.RevokeSessions(backend.aliceID); revoked != 0 {
		t.Fatalf("expected logout to revoke refresh tokens, %d were still live", revoked)
	}
	if err := backend.client.SignOut(context.Background()); err != nil {
		t.Fatalf("signing out without a session must succeed: %v", err)
	}
}

func TestSignUpDoesNotPersistSession(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	identity, err := backend.client.SignUp(context.Background(), "luis@tienda.com", "clave-segura")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if identity.ID == "" || identity.Email != "luis@tienda.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if current, _ := backend.client.GetSession(context.Background()); current != nil {
		t.Fatalf("sign up must not create a session")
	}

	_, duplicateErr := backend.client.SignUp(context.Background(), "luis@tienda.com", "clave-segura")
	var apiErr *APIError
	if !errors.As(duplicateErr, &apiErr) || apiErr.Code != "user_already_exists" || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected user_already_exists, got %v", duplicateErr)
	}
}

func TestProfiles(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	ctx := context.Background()

	profile, err := backend.client.SelectProfile(ctx, backend.aliceID)
	if err != nil {
		t.Fatalf("select profile: %v", err)
	}
	if profile.Name != "Ana" || profile.StoreRef != "S-01" || profile.Role != session.Supervisor {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if _, missingErr := backend.client.SelectProfile(ctx, "missing"); !errors.Is(missingErr, session.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", missingErr)
	}

	record := session.ProfileRecord{AuthID: "new-id", Name: "Luis", Email: "luis@tienda.com", Role: session.DefaultRole}
	if insertErr := backend.client.InsertProfile(ctx, record); insertErr != nil {
		t.Fatalf("insert profile: %v", insertErr)
	}
	inserted, selectErr := backend.client.SelectProfile(ctx, "new-id")
	if selectErr != nil || inserted.Role != session.Employee || inserted.Name != "Luis" {
		t.Fatalf("unexpected inserted profile %+v err=%v", inserted, selectErr)
	}
	if duplicateErr := backend.client.InsertProfile(ctx, record); duplicateErr == nil || retry.IsRetryable(duplicateErr) {
		t.Fatalf("expected a terminal duplicate error, got %v", duplicateErr)
	}

	backend.server.InjectFailures("/rest/v1/users", 1, http.StatusServiceUnavailable)
	if _, transientErr := backend.client.SelectProfile(ctx, backend.aliceID); !retry.IsRetryable(transientErr) {
		t.Fatalf("expected retryable error, got %v", transientErr)
	}
}

func TestSelectProfileWithSignedInToken(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	backend.signIn(t)
	profile, err := backend.client.SelectProfile(context.Background(), backend.aliceID)
	if err != nil || profile.Name != "Ana" {
		t.Fatalf("unexpected profile %+v err=%v", profile, err)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	backend := newTestBackend(t, time.Hour, time.Minute)
	if err := backend.client.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	backend.server.InjectFailures("/rest/v1/", 1, http.StatusServiceUnavailable)
	err := backend.client.Probe(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}

	backend.http.Close()
	if closedErr := backend.client.Probe(context.Background()); !retry.IsRetryable(closedErr) {
		t.Fatalf("expected transport error to be retryable, got %v", closedErr)
	}
}

func TestDecodeAPIError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		status   int
		payload  string
		expected APIError
	}{
		{
			name:     "auth grant",
			status:   400,
			payload:  `{"error":"invalid_grant","error_description":"Invalid login credentials"}`,
			expected: APIError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"},
		},
		{
			name:     "auth numeric code",
			status:   422,
			payload:  `{"code":422,"error_code":"user_already_exists","msg":"User already registered"}`,
			expected: APIError{Status: 422, Code: "user_already_exists", Message: "User already registered"},
		},
		{
			name:     "table",
			status:   406,
			payload:  `{"code":"PGRST116","details":"The result contains 0 rows","message":"JSON object requested, multiple (or no) rows returned"}`,
			expected: APIError{Status: 406, Code: "PGRST116", Message: "JSON object requested, multiple (or no) rows returned"},
		},
		{
			name:     "plain text",
			status:   502,
			payload:  "Bad Gateway\n",
			expected: APIError{Status: 502, Message: "Bad Gateway"},
		},
	}
	for _, testCase := range testCases {
		decoded := decodeAPIError(testCase.status, []byte(testCase.payload))
		if *decoded != testCase.expected {
			t.Fatalf("%s: expected %+v, got %+v", testCase.name, testCase.expected, *decoded)
		}
	}
}
