package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/taskdesk/internal/session"
	"github.com/tyemirov/taskdesk/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	authPrefix = "/auth/v1"
	restPrefix = "/rest/v1"

	defaultProfilesTable  = "users"
	defaultRefreshMargin  = time.Minute
	defaultRequestTimeout = 20 * time.Second
	maxResponseBytes      = 1 << 20

	headerAPIKey = "apikey"
	headerPrefer = "Prefer"
	mediaJSON    = "application/json"
	mediaObject  = "application/vnd.pgrst.object+json"
)

// Config configures a Client.
type Config struct {
	BaseURL       string
	APIKey        string
	ProfilesTable string
	// StorageKey names the persisted session; derived from the backend host when empty.
	StorageKey    string
	HTTPClient    *http.Client
	Store         SessionStore
	Validator     *sessionvalidator.Validator
	Logger        *zap.Logger
	RefreshMargin time.Duration
	Now           func() time.Time
}

// Client talks to a Supabase-compatible backend: the auth service under /auth/v1 and
// the table service under /rest/v1. It implements session.AuthProvider,
// session.ProfileStore, session.LocalState and connection.Prober.
type Client struct {
	baseURL       *url.URL
	apiKey        string
	profilesTable string
	storageKey    string
	httpClient    *http.Client
	store         SessionStore
	validator     *sessionvalidator.Validator
	logger        *zap.Logger
	refreshMargin time.Duration
	now           func() time.Time

	refreshGroup singleflight.Group

	listenersMutex sync.Mutex
	listeners      map[int]func(session.AuthChange)
	nextListener   int
}

// NewClient validates the configuration and constructs a Client.
func NewClient(configuration Config) (*Client, error) {
	rawURL := strings.TrimSpace(configuration.BaseURL)
	if rawURL == "" {
		return nil, fmt.Errorf("baas.new_client: %w", errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("baas.new_client.parse_url: %w", err)
	}
	if strings.TrimSpace(configuration.APIKey) == "" {
		return nil, fmt.Errorf("baas.new_client: %w", errMissingAPIKey)
	}

	validator := configuration.Validator
	if validator == nil {
		validator, err = sessionvalidator.New(sessionvalidator.Config{AllowUnverified: true})
		if err != nil {
			return nil, fmt.Errorf("baas.new_client.validator: %w", err)
		}
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	store := configuration.Store
	if store == nil {
		store = NewMemorySessionStore()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	profilesTable := strings.TrimSpace(configuration.ProfilesTable)
	if profilesTable == "" {
		profilesTable = defaultProfilesTable
	}
	storageKey := strings.TrimSpace(configuration.StorageKey)
	if storageKey == "" {
		storageKey = deriveStorageKey(baseURL)
	}
	refreshMargin := configuration.RefreshMargin
	if refreshMargin <= 0 {
		refreshMargin = defaultRefreshMargin
	}
	now := configuration.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Client{
		baseURL:       baseURL,
		apiKey:        configuration.APIKey,
		profilesTable: profilesTable,
		storageKey:    storageKey,
		httpClient:    httpClient,
		store:         store,
		validator:     validator,
		logger:        logger,
		refreshMargin: refreshMargin,
		now:           now,
		listeners:     make(map[int]func(session.AuthChange)),
	}, nil
}

// StorageKey returns the key the persisted session lives under.
func (client *Client) StorageKey() string {
	return client.storageKey
}

func deriveStorageKey(baseURL *url.URL) string {
	host := baseURL.Hostname()
	if host == "" {
		host = "local"
	}
	reference := strings.SplitN(host, ".", 2)[0]
	return "sb-" + reference + "-auth-token"
}

type apiRequest struct {
	method  string
	path    string
	query   url.Values
	body    any
	bearer  string
	accept  string
	headers map[string]string
}

func (client *Client) do(ctx context.Context, request apiRequest, out any) error {
	endpoint := client.baseURL.JoinPath(request.path)
	if len(request.query) > 0 {
		endpoint.RawQuery = request.query.Encode()
	}

	var body io.Reader
	if request.body != nil {
		payload, err := json.Marshal(request.body)
		if err != nil {
			return fmt.Errorf("baas.encode %s: %w", request.path, err)
		}
		body = bytes.NewReader(payload)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("baas.new_request %s: %w", request.path, err)
	}
	bearer := request.bearer
	if bearer == "" {
		bearer = client.apiKey
	}
	httpRequest.Header.Set(headerAPIKey, client.apiKey)
	httpRequest.Header.Set("Authorization", "Bearer "+bearer)
	if request.body != nil {
		httpRequest.Header.Set("Content-Type", mediaJSON)
	}
	accept := request.accept
	if accept == "" {
		accept = mediaJSON
	}
	httpRequest.Header.Set("Accept", accept)
	for name, value := range request.headers {
		httpRequest.Header.Set(name, value)
	}

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("baas.request %s %s: %w", request.method, request.path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("baas.read %s: %w", request.path, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(response.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("baas.decode %s: %w", request.path, err)
	}
	return nil
}

// OnAuthStateChange registers a listener. Listeners run synchronously on the emitting goroutine.
func (client *Client) OnAuthStateChange(listener func(session.AuthChange)) func() {
	client.listenersMutex.Lock()
	defer client.listenersMutex.Unlock()
	id := client.nextListener
	client.nextListener++
	client.listeners[id] = listener
	return func() {
		client.listenersMutex.Lock()
		defer client.listenersMutex.Unlock()
		delete(client.listeners, id)
	}
}

func (client *Client) emit(event session.AuthEvent, current *session.Session) {
	client.listenersMutex.Lock()
	listeners := make([]func(session.AuthChange), 0, len(client.listeners))
	for _, listener := range client.listeners {
		listeners = append(listeners, listener)
	}
	client.listenersMutex.Unlock()

	client.logger.Debug("auth event",
		zap.String("code", "baas.auth_event"),
		zap.String("event", string(event)))
	change := session.AuthChange{Event: event, Session: current}
	for _, listener := range listeners {
		listener(change)
	}
}
