package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAPIKey   = "anon-key"
	testPassword = "correct-horse"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

type backendHarness struct {
	server  *Server
	handler http.Handler
	clock   *controllableClock
	authID  string
}

func newBackendHarness(t *testing.T) *backendHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &controllableClock{current: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	server, err := New(Config{
		APIKey:     testAPIKey,
		JWTSecret:  []byte("dev-secret"),
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		BcryptCost: bcrypt.MinCost,
		Logger:     zaptest.NewLogger(t),
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	authID, err := server.Seed(context.Background(), SeedUser{
		Email:    "Ana@Tienda.com",
		Password: testPassword,
		Name:     "Ana",
		Store:    "S-01",
		Role:     "supervisor",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &backendHarness{server: server, handler: server.Handler(), clock: clock, authID: authID}
}

func (harness *backendHarness) do(t *testing.T, method string, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, target, &payload)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("apikey", testAPIKey)
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	return recorder
}

type tokenBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (harness *backendHarness) signIn(t *testing.T) tokenBody {
	t.Helper()
	recorder := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=password",
		map[string]string{"email": "ana@tienda.com", "password": testPassword}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var decoded tokenBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode token body: %v", err)
	}
	return decoded
}

func decodeMap(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestNewRequiresKeyAndSecret(t *testing.T) {
	if _, err := New(Config{JWTSecret: []byte("secret")}); !errors.Is(err, errMissingAPIKey) {
		t.Fatalf("expected errMissingAPIKey, got %v", err)
	}
	if _, err := New(Config{APIKey: "key"}); !errors.Is(err, errMissingJWTSecret) {
		t.Fatalf("expected errMissingJWTSecret, got %v", err)
	}
}

func TestPasswordGrantIssuesSession(t *testing.T) {
	harness := newBackendHarness(t)

	issued := harness.signIn(t)
	if issued.AccessToken == "" || issued.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", issued)
	}
	if issued.User.ID != harness.authID || issued.User.Email != "ana@tienda.com" {
		t.Fatalf("unexpected user %+v", issued.User)
	}
	if issued.ExpiresAt != harness.clock.Now().Add(time.Hour).Unix() {
		t.Fatalf("expected expiry one hour out, got %d", issued.ExpiresAt)
	}
	claims, err := harness.server.validator.ValidateToken(issued.AccessToken)
	if err != nil {
		t.Fatalf("issued token must validate: %v", err)
	}
	if claims.GetUserID() != harness.authID || claims.SessionID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestPasswordGrantRejections(t *testing.T) {
	harness := newBackendHarness(t)

	testCases := []struct {
		name           string
		target         string
		body           any
		headers        map[string]string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "wrong password",
			target:         "/auth/v1/token?grant_type=password",
			body:           map[string]string{"email": "ana@tienda.com", "password": "nope-nope"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:           "unknown email",
			target:         "/auth/v1/token?grant_type=password",
			body:           map[string]string{"email": "nadie@tienda.com", "password": testPassword},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid_grant",
		},
		{
			name:           "unsupported grant",
			target:         "/auth/v1/token?grant_type=magic",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "unsupported_grant_type",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, http.MethodPost, testCase.target, testCase.body, testCase.headers)
			if recorder.Code != testCase.expectedStatus {
				t.Fatalf("expected %d, got %d", testCase.expectedStatus, recorder.Code)
			}
			if decoded := decodeMap(t, recorder); decoded["error"] != testCase.expectedError {
				t.Fatalf("expected error %q, got %v", testCase.expectedError, decoded["error"])
			}
		})
	}
}

func TestRequestsWithoutAPIKeyAreRejected(t *testing.T) {
	harness := newBackendHarness(t)

	request := httptest.NewRequest(http.MethodGet, "/rest/v1/users?select=name", nil)
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRefreshGrantRotatesTokens(t *testing.T) {
	harness := newBackendHarness(t)
	issued := harness.signIn(t)

	harness.clock.Advance(30 * time.Minute)
	recorder := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": issued.RefreshToken}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var rotated tokenBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.RefreshToken == issued.RefreshToken {
		t.Fatalf("expected a rotated refresh token")
	}
	if rotated.ExpiresAt <= issued.ExpiresAt {
		t.Fatalf("expected a later expiry, got %d <= %d", rotated.ExpiresAt, issued.ExpiresAt)
	}

	reused := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": issued.RefreshToken}, nil)
	if reused.Code != http.StatusBadRequest {
		t.Fatalf("expected reuse to fail with 400, got %d", reused.Code)
	}
	if decoded := decodeMap(t, reused); decoded["error_description"] != "Invalid Refresh Token: Already Used" {
		t.Fatalf("unexpected description %v", decoded["error_description"])
	}
}

func TestRefreshGrantRejectsExpiredToken(t *testing.T) {
	harness := newBackendHarness(t)
	issued := harness.signIn(t)

	harness.clock.Advance(25 * time.Hour)
	recorder := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": issued.RefreshToken}, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	harness := newBackendHarness(t)
	issued := harness.signIn(t)

	unauthorized := harness.do(t, http.MethodPost, "/auth/v1/logout", nil, nil)
	if unauthorized.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", unauthorized.Code)
	}

	recorder := harness.do(t, http.MethodPost, "/auth/v1/logout", nil,
		map[string]string{"Authorization": "Bearer " + issued.AccessToken})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	refreshed := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": issued.RefreshToken}, nil)
	if refreshed.Code != http.StatusBadRequest {
		t.Fatalf("expected revoked refresh token to fail, got %d", refreshed.Code)
	}
}

func TestSignUpCreatesAccount(t *testing.T) {
	harness := newBackendHarness(t)

	recorder := harness.do(t, http.MethodPost, "/auth/v1/signup",
		map[string]string{"email": "luis@tienda.com", "password": "secreto1"}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decoded := decodeMap(t, recorder); decoded["id"] == "" || decoded["email"] != "luis@tienda.com" {
		t.Fatalf("unexpected signup body %v", decoded)
	}

	testCases := []struct {
		name              string
		body              map[string]string
		expectedErrorCode string
	}{
		{name: "duplicate", body: map[string]string{"email": "LUIS@tienda.com", "password": "secreto1"}, expectedErrorCode: "user_already_exists"},
		{name: "weak password", body: map[string]string{"email": "eva@tienda.com", "password": "123"}, expectedErrorCode: "weak_password"},
	}
	for _, testCase := range testCases {
		rejected := harness.do(t, http.MethodPost, "/auth/v1/signup", testCase.body, nil)
		if rejected.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", testCase.name, rejected.Code)
		}
		if decoded := decodeMap(t, rejected); decoded["error_code"] != testCase.expectedErrorCode {
			t.Fatalf("%s: expected %s, got %v", testCase.name, testCase.expectedErrorCode, decoded["error_code"])
		}
	}
}

func TestSelectProfiles(t *testing.T) {
	harness := newBackendHarness(t)
	issued := harness.signIn(t)
	bearer := map[string]string{"Authorization": "Bearer " + issued.AccessToken}

	list := harness.do(t, http.MethodGet, "/rest/v1/users?select=name,store,role&auth_id=eq."+harness.authID, nil, bearer)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", list.Code, list.Body.String())
	}
	var rows []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Ana" || rows[0]["role"] != "supervisor" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if _, ok := rows[0]["email"]; ok {
		t.Fatalf("expected projection to drop unselected columns, got %v", rows[0])
	}

	objectHeaders := map[string]string{"Authorization": "Bearer " + issued.AccessToken, "Accept": objectMediaType}
	single := harness.do(t, http.MethodGet, "/rest/v1/users?select=name&auth_id=eq."+harness.authID, nil, objectHeaders)
	if single.Code != http.StatusOK || decodeMap(t, single)["name"] != "Ana" {
		t.Fatalf("expected a single object, got %d: %s", single.Code, single.Body.String())
	}

	missing := harness.do(t, http.MethodGet, "/rest/v1/users?select=name&auth_id=eq.unknown", nil, objectHeaders)
	if missing.Code != http.StatusNotAcceptable || decodeMap(t, missing)["code"] != "PGRST116" {
		t.Fatalf("expected 406 PGRST116, got %d: %s", missing.Code, missing.Body.String())
	}

	unknownTable := harness.do(t, http.MethodGet, "/rest/v1/orders", nil, bearer)
	if unknownTable.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown table, got %d", unknownTable.Code)
	}

	badFilter := harness.do(t, http.MethodGet, "/rest/v1/users?role=gt.employee", nil, bearer)
	if badFilter.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsupported filter, got %d", badFilter.Code)
	}
}

func TestSelectWithAnonymousKeyAndInvalidToken(t *testing.T) {
	harness := newBackendHarness(t)

	anonymous := harness.do(t, http.MethodGet, "/rest/v1/users?select=id&limit=1", nil,
		map[string]string{"Authorization": "Bearer " + testAPIKey})
	if anonymous.Code != http.StatusOK {
		t.Fatalf("expected the API key to authorize anonymously, got %d", anonymous.Code)
	}

	invalid := harness.do(t, http.MethodGet, "/rest/v1/users?select=id", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if invalid.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", invalid.Code)
	}
}

func TestInsertProfile(t *testing.T) {
	harness := newBackendHarness(t)
	bearer := map[string]string{"Authorization": "Bearer " + testAPIKey}

	created := harness.do(t, http.MethodPost, "/rest/v1/users", []map[string]string{{
		"auth_id": "new-auth-id",
		"name":    "Luis",
		"email":   "luis@tienda.com",
		"store":   "S-02",
	}}, bearer)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	rows := harness.server.Profiles(map[string]string{"auth_id": "new-auth-id"})
	if len(rows) != 1 || rows[0].Role != defaultRole || rows[0].Store != "S-02" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	duplicate := harness.do(t, http.MethodPost, "/rest/v1/users", []map[string]string{{"auth_id": "new-auth-id", "name": "Luis"}}, bearer)
	if duplicate.Code != http.StatusConflict || decodeMap(t, duplicate)["code"] != "23505" {
		t.Fatalf("expected 409 23505, got %d: %s", duplicate.Code, duplicate.Body.String())
	}

	missingAuthID := harness.do(t, http.MethodPost, "/rest/v1/users", []map[string]string{{"name": "Nadie"}}, bearer)
	if missingAuthID.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", missingAuthID.Code)
	}

	if !harness.server.DeleteProfile("new-auth-id") || harness.server.DeleteProfile("new-auth-id") {
		t.Fatalf("expected delete to succeed exactly once")
	}
}

func TestInjectFailures(t *testing.T) {
	harness := newBackendHarness(t)
	harness.server.InjectFailures("/rest/v1", 2, http.StatusServiceUnavailable)
	bearer := map[string]string{"Authorization": "Bearer " + testAPIKey}

	for attempt := 0; attempt < 2; attempt++ {
		recorder := harness.do(t, http.MethodGet, "/rest/v1/users?select=id", nil, bearer)
		if recorder.Code != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected 503, got %d", attempt, recorder.Code)
		}
	}
	if recorder := harness.do(t, http.MethodGet, "/rest/v1/users?select=id", nil, bearer); recorder.Code != http.StatusOK {
		t.Fatalf("expected faults to be exhausted, got %d", recorder.Code)
	}
	if recorder := harness.do(t, http.MethodPost, "/auth/v1/token?grant_type=password",
		map[string]string{"email": "ana@tienda.com", "password": testPassword}, nil); recorder.Code != http.StatusOK {
		t.Fatalf("faults must only match their prefix, got %d", recorder.Code)
	}
}

func TestRefreshTokensStore(t *testing.T) {
	clock := &controllableClock{current: time.Now().UTC()}
	store := newRefreshTokens(clock.Now)

	if _, err := store.Validate(""); !errors.Is(err, ErrRefreshTokenEmptyOpaque) {
		t.Fatalf("expected ErrRefreshTokenEmptyOpaque, got %v", err)
	}
	if _, err := store.Validate("missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
	if err := store.Revoke("missing"); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound on revoke, got %v", err)
	}

	record, opaque, err := store.Issue("user", "session", clock.Now().Add(time.Minute), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, _, err := store.Issue("user", "session", clock.Now().Add(time.Minute), record.TokenID)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	if second.TokenID == record.TokenID || second.PreviousTokenID != record.TokenID {
		t.Fatalf("expected linked distinct tokens, got %+v and %+v", record, second)
	}
	if validated, validateErr := store.Validate(opaque); validateErr != nil || validated.UserID != "user" {
		t.Fatalf("expected a live record, got %+v err=%v", validated, validateErr)
	}

	if revoked := store.RevokeUser("user"); revoked != 2 {
		t.Fatalf("expected two revoked tokens, got %d", revoked)
	}
	if _, err := store.Validate(opaque); !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Fatalf("expected ErrRefreshTokenRevoked, got %v", err)
	}

	_, expiring, _ := store.Issue("other", "session", clock.Now().Add(time.Minute), "")
	clock.Advance(2 * time.Minute)
	if _, err := store.Validate(expiring); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
}
