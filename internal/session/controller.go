package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/taskdesk/internal/debounce"
	"github.com/tyemirov/taskdesk/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultFocusDebounce = time.Second
	sessionMaxRetries    = 2
	profileMaxRetries    = 3
)

// Config wires a Controller to its collaborators.
type Config struct {
	Auth       AuthProvider
	Profiles   ProfileStore
	Navigator  Navigator
	LocalState LocalState
	Retry      *retry.Executor
	Logger     *zap.Logger
	Metrics    MetricsRecorder

	// FocusDebounce is the quiet period before a focus refresh runs.
	FocusDebounce time.Duration
	LoginPath     string
}

// Controller owns the authenticated-identity state machine.
//
// Every trigger (startup, auth notification, login, logout, focus refresh,
// forced invalidation) captures an epoch. Async continuations apply their
// result only while their epoch is still the latest and the controller has
// not been closed.
type Controller struct {
	auth       AuthProvider
	profiles   ProfileStore
	navigator  Navigator
	localState LocalState
	retry      *retry.Executor
	logger     *zap.Logger
	metrics    MetricsRecorder
	loginPath  string

	sessionPolicy retry.Policy
	profilePolicy retry.Policy
	focus         *debounce.Debouncer

	lifetime       context.Context
	cancelLifetime context.CancelFunc
	inflight       sync.WaitGroup

	notifyMutex sync.Mutex
	mutex       sync.Mutex
	mounted     bool
	started     bool
	epoch       uint64
	logins      int
	state       State
	currentUser *CurrentUser
	loading     bool
	connError   string
	expired     bool

	subscribers     map[int]func(Snapshot)
	nextSubscriber  int
	unsubscribeAuth func()
}

// NewController constructs a Controller in the Initializing state.
func NewController(configuration Config) (*Controller, error) {
	if configuration.Auth == nil {
		return nil, fmt.Errorf("session.new: %w", errors.New("auth provider is required"))
	}
	if configuration.Profiles == nil {
		return nil, fmt.Errorf("session.new: %w", errors.New("profile store is required"))
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	executor := configuration.Retry
	if executor == nil {
		executor = retry.NewExecutor(retry.WithLogger(logger))
	}
	navigator := configuration.Navigator
	if navigator == nil {
		navigator = NavigatorFunc(func(string) {})
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	loginPath := configuration.LoginPath
	if loginPath == "" {
		loginPath = LoginPath
	}
	focusDebounce := configuration.FocusDebounce
	if focusDebounce <= 0 {
		focusDebounce = defaultFocusDebounce
	}

	lifetime, cancel := context.WithCancel(context.Background())
	controller := &Controller{
		auth:           configuration.Auth,
		profiles:       configuration.Profiles,
		navigator:      navigator,
		localState:     configuration.LocalState,
		retry:          executor,
		logger:         logger,
		metrics:        metrics,
		loginPath:      loginPath,
		sessionPolicy:  retry.DefaultPolicy().WithMaxRetries(sessionMaxRetries).WithShouldRetry(retry.IsRetryable),
		profilePolicy:  retry.DefaultPolicy().WithMaxRetries(profileMaxRetries).WithShouldRetry(retry.IsRetryable),
		lifetime:       lifetime,
		cancelLifetime: cancel,
		mounted:        true,
		state:          StateInitializing,
		loading:        true,
		subscribers:    make(map[int]func(Snapshot)),
	}
	controller.focus = debounce.New(focusDebounce, controller.refreshOnFocus)
	return controller, nil
}

// Snapshot returns the current reactive state.
func (controller *Controller) Snapshot() Snapshot {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.snapshotLocked()
}

// CurrentUser returns the loaded user or nil.
func (controller *Controller) CurrentUser() *CurrentUser {
	return controller.Snapshot().CurrentUser
}

// Subscribe registers an observer called after every state change.
// Observers must not call mutating Controller methods.
func (controller *Controller) Subscribe(listener func(Snapshot)) (unsubscribe func()) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	id := controller.nextSubscriber
	controller.nextSubscriber++
	controller.subscribers[id] = listener
	return func() {
		controller.mutex.Lock()
		defer controller.mutex.Unlock()
		delete(controller.subscribers, id)
	}
}

// Start subscribes to auth notifications and restores the persisted session.
func (controller *Controller) Start(ctx context.Context) error {
	controller.mutex.Lock()
	if !controller.mounted {
		controller.mutex.Unlock()
		return ErrClosed
	}
	if controller.started {
		controller.mutex.Unlock()
		return ErrAlreadyStarted
	}
	controller.started = true
	controller.mutex.Unlock()

	unsubscribe := controller.auth.OnAuthStateChange(controller.handleAuthChange)
	controller.mutex.Lock()
	if !controller.mounted {
		controller.mutex.Unlock()
		unsubscribe()
		return ErrClosed
	}
	controller.unsubscribeAuth = unsubscribe
	controller.mutex.Unlock()

	epoch, ok := controller.beginTask()
	if !ok {
		return ErrClosed
	}
	defer controller.inflight.Done()

	current, err := retry.Run(ctx, controller.retry, controller.sessionPolicy, controller.auth.GetSession)
	switch {
	case err != nil:
		controller.logger.Warn("session lookup failed",
			zap.String("code", "session.startup.lookup_failed"),
			zap.Error(err))
		retryable := retry.IsRetryable(err)
		controller.apply(epoch, func() bool {
			controller.currentUser = nil
			if retryable {
				controller.connError = MessageSessionConnection
			}
			controller.settle(StateUnauthenticated)
			return true
		})
	case !current.HasIdentity():
		controller.apply(epoch, func() bool {
			controller.currentUser = nil
			controller.settle(StateUnauthenticated)
			return true
		})
	default:
		_ = controller.loadProfile(ctx, epoch, *current.Identity)
	}
	return nil
}

// Login signs in with email and password and loads the profile.
// Terminal failures are returned without touching the connection error.
func (controller *Controller) Login(ctx context.Context, email string, password string) (bool, error) {
	epoch, ok := controller.beginLogin()
	if !ok {
		return false, ErrClosed
	}
	defer controller.endLogin()

	identity, err := retry.Run(ctx, controller.retry, controller.sessionPolicy, func(attemptCtx context.Context) (*Identity, error) {
		return controller.auth.SignInWithPassword(attemptCtx, email, password)
	})
	if err != nil {
		controller.metrics.Increment(MetricLoginFailure)
		if retry.IsRetryable(err) {
			controller.apply(epoch, func() bool {
				controller.connError = MessageLoginConnection
				return true
			})
		}
		controller.logger.Info("login failed",
			zap.String("code", "session.login.failed"),
			zap.Bool("retryable", retry.IsRetryable(err)),
			zap.Error(err))
		return false, fmt.Errorf("session.login: %w", err)
	}
	if identity == nil || identity.ID == "" {
		controller.metrics.Increment(MetricLoginFailure)
		return false, fmt.Errorf("session.login: %w", ErrMissingIdentity)
	}

	// Supersedes any notification-driven profile load started during the call.
	profileEpoch, ok := controller.beginTask()
	if !ok {
		return false, ErrClosed
	}
	defer controller.inflight.Done()
	if profileErr := controller.loadProfile(ctx, profileEpoch, *identity); profileErr != nil {
		controller.metrics.Increment(MetricLoginFailure)
		return false, fmt.Errorf("session.login.profile: %w", profileErr)
	}
	controller.metrics.Increment(MetricLoginSuccess)
	return true, nil
}

// Register creates an identity and its profile. It never signs the caller in.
func (controller *Controller) Register(ctx context.Context, name string, email string, password string, storeRef string) (bool, error) {
	if !controller.isMounted() {
		return false, ErrClosed
	}
	policy := controller.sessionPolicy

	identity, err := retry.Run(ctx, controller.retry, policy, func(attemptCtx context.Context) (*Identity, error) {
		return controller.auth.SignUp(attemptCtx, email, password)
	})
	if err != nil {
		controller.registerFailed(err)
		return false, fmt.Errorf("session.register.sign_up: %w", err)
	}
	if identity == nil || identity.ID == "" {
		controller.registerFailed(ErrMissingIdentity)
		return false, fmt.Errorf("session.register.sign_up: %w", ErrMissingIdentity)
	}

	record := ProfileRecord{
		AuthID:   identity.ID,
		Name:     name,
		Email:    email,
		StoreRef: storeRef,
		Role:     DefaultRole,
	}
	insertErr := controller.retry.Execute(ctx, policy, func(attemptCtx context.Context) error {
		return controller.profiles.InsertProfile(attemptCtx, record)
	})
	if insertErr != nil {
		controller.registerFailed(insertErr)
		return false, fmt.Errorf("session.register.insert_profile: %w", insertErr)
	}
	controller.metrics.Increment(MetricRegisterSuccess)
	controller.logger.Info("user registered",
		zap.String("code", "session.register.success"),
		zap.String("user_id", identity.ID))
	return true, nil
}

// Logout signs out and always clears local state. A sign-out failure is returned after clearing.
func (controller *Controller) Logout(ctx context.Context) error {
	if _, ok := controller.beginTask(); !ok {
		return ErrClosed
	}
	defer controller.inflight.Done()

	signOutErr := controller.auth.SignOut(ctx)
	if !controller.supersede(func() bool {
		controller.currentUser = nil
		controller.connError = ""
		controller.expired = false
		controller.settle(StateUnauthenticated)
		return true
	}) {
		return ErrClosed
	}
	controller.clearLocalState(ctx)
	controller.metrics.Increment(MetricLogout)
	controller.redirectToLogin()

	if signOutErr != nil {
		controller.logger.Warn("provider sign-out failed",
			zap.String("code", "session.logout.sign_out_failed"),
			zap.Error(signOutErr))
		return fmt.Errorf("session.logout: %w", signOutErr)
	}
	return nil
}

// NotifyFocus reports that the application regained focus.
func (controller *Controller) NotifyFocus() {
	controller.focus.Trigger()
}

// Close releases the auth subscription and focus timer. No state changes after Close.
func (controller *Controller) Close() {
	controller.mutex.Lock()
	if !controller.mounted {
		controller.mutex.Unlock()
		return
	}
	controller.mounted = false
	unsubscribe := controller.unsubscribeAuth
	controller.unsubscribeAuth = nil
	controller.subscribers = make(map[int]func(Snapshot))
	controller.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	controller.focus.Stop()
	controller.cancelLifetime()
}

// Wait blocks until background work started by the controller has returned.
func (controller *Controller) Wait() {
	controller.inflight.Wait()
}

func (controller *Controller) handleAuthChange(change AuthChange) {
	controller.mutex.Lock()
	loginRunning := controller.logins > 0
	controller.mutex.Unlock()
	if change.Event == EventSignedIn && loginRunning {
		// The running Login loads the profile for this identity itself.
		return
	}
	epoch, ok := controller.beginTask()
	if !ok {
		return
	}
	controller.logger.Debug("auth state changed",
		zap.String("code", "session.auth_change"),
		zap.String("event", string(change.Event)),
		zap.Bool("has_identity", change.Session.HasIdentity()))
	go func() {
		defer controller.inflight.Done()
		controller.applyAuthChange(controller.lifetime, epoch, change)
	}()
}

func (controller *Controller) applyAuthChange(ctx context.Context, epoch uint64, change AuthChange) {
	switch {
	case change.Event == EventTokenRefreshFailed:
		controller.forceInvalidation(ctx, epoch, "token_refresh_failed", "")
	case change.Event == EventSignedOut || !change.Session.HasIdentity():
		controller.apply(epoch, func() bool {
			if controller.state == StateUnauthenticated && controller.currentUser == nil {
				return false
			}
			controller.expired = controller.expired || controller.currentUser != nil
			controller.currentUser = nil
			controller.connError = ""
			controller.settle(StateUnauthenticated)
			return true
		})
	default:
		_ = controller.loadProfile(ctx, epoch, *change.Session.Identity)
	}
}

func (controller *Controller) loadProfile(ctx context.Context, epoch uint64, identity Identity) error {
	profile, err := retry.Run(ctx, controller.retry, controller.profilePolicy, func(attemptCtx context.Context) (Profile, error) {
		return controller.profiles.SelectProfile(attemptCtx, identity.ID)
	})
	if err == nil {
		user := composeUser(identity, profile)
		if controller.apply(epoch, func() bool {
			controller.currentUser = &user
			controller.connError = ""
			controller.expired = false
			controller.settle(StateAuthenticated)
			return true
		}) {
			controller.metrics.Increment(MetricProfileLoaded)
		} else {
			controller.metrics.Increment(MetricStaleResult)
		}
		return nil
	}

	controller.metrics.Increment(MetricProfileFailure)
	controller.logger.Warn("profile load failed",
		zap.String("code", "session.profile.load_failed"),
		zap.String("user_id", identity.ID),
		zap.Bool("retryable", retry.IsRetryable(err)),
		zap.Error(err))

	if !retry.IsRetryable(err) {
		controller.forceInvalidation(ctx, epoch, "profile_missing", "")
		return err
	}

	hadUser := false
	applied := controller.apply(epoch, func() bool {
		controller.connError = MessageProfileConnection
		hadUser = controller.currentUser != nil
		return true
	})
	if applied && !hadUser {
		controller.forceInvalidation(ctx, epoch, "profile_unavailable", MessageProfileConnection)
	}
	return err
}

func (controller *Controller) forceInvalidation(ctx context.Context, epoch uint64, reason string, keepMessage string) {
	applied := controller.supersedeIfCurrent(epoch, func() bool {
		controller.currentUser = nil
		controller.connError = keepMessage
		controller.expired = true
		controller.settle(StateUnauthenticated)
		return true
	})
	if !applied {
		controller.metrics.Increment(MetricStaleResult)
		return
	}
	controller.metrics.Increment(MetricForcedInvalidation)
	controller.logger.Warn("session invalidated",
		zap.String("code", "session.forced_invalidation"),
		zap.String("reason", reason))

	if signOutErr := controller.auth.SignOut(ctx); signOutErr != nil {
		controller.logger.Warn("provider sign-out failed during invalidation",
			zap.String("code", "session.invalidation.sign_out_failed"),
			zap.Error(signOutErr))
	}
	controller.clearLocalState(ctx)
	controller.redirectToLogin()
}

func (controller *Controller) refreshOnFocus() {
	controller.mutex.Lock()
	if !controller.mounted || controller.currentUser != nil {
		controller.mutex.Unlock()
		return
	}
	controller.epoch++
	epoch := controller.epoch
	controller.inflight.Add(1)
	controller.mutex.Unlock()
	defer controller.inflight.Done()

	ctx := controller.lifetime
	current, err := retry.Run(ctx, controller.retry, controller.sessionPolicy, controller.auth.GetSession)
	switch {
	case err != nil:
		controller.logger.Warn("focus session refresh failed",
			zap.String("code", "session.focus.lookup_failed"),
			zap.Error(err))
		retryable := retry.IsRetryable(err)
		controller.apply(epoch, func() bool {
			if retryable {
				controller.connError = MessageSessionConnection
			}
			controller.expired = true
			controller.settle(StateUnauthenticated)
			return true
		})
	case !current.HasIdentity():
		controller.apply(epoch, func() bool {
			controller.currentUser = nil
			controller.expired = true
			controller.settle(StateUnauthenticated)
			return true
		})
	default:
		_ = controller.loadProfile(ctx, epoch, *current.Identity)
	}
}

func (controller *Controller) registerFailed(err error) {
	controller.metrics.Increment(MetricRegisterFailure)
	controller.logger.Info("registration failed",
		zap.String("code", "session.register.failed"),
		zap.Bool("retryable", retry.IsRetryable(err)),
		zap.Error(err))
	if retry.IsRetryable(err) {
		controller.applyMounted(func() bool {
			controller.connError = MessageRegisterConnection
			return true
		})
	}
}

func (controller *Controller) clearLocalState(ctx context.Context) {
	if controller.localState == nil {
		return
	}
	if clearErr := controller.localState.Clear(ctx); clearErr != nil {
		controller.logger.Warn("local state clear failed",
			zap.String("code", "session.local_state.clear_failed"),
			zap.Error(clearErr))
	}
}

func (controller *Controller) redirectToLogin() {
	if !controller.isMounted() {
		return
	}
	controller.navigator.Redirect(controller.loginPath)
}

// settle moves to a steady state; the loading flag stays up while a login is running.
func (controller *Controller) settle(state State) {
	controller.state = state
	if controller.logins == 0 {
		controller.loading = false
	}
}

func (controller *Controller) isMounted() bool {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.mounted
}

func (controller *Controller) beginTask() (uint64, bool) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	if !controller.mounted {
		return 0, false
	}
	controller.epoch++
	controller.inflight.Add(1)
	return controller.epoch, true
}

func (controller *Controller) beginLogin() (uint64, bool) {
	var epoch uint64
	ok := controller.supersede(func() bool {
		epoch = controller.epoch
		controller.logins++
		controller.loading = true
		controller.connError = ""
		controller.expired = false
		return true
	})
	return epoch, ok
}

func (controller *Controller) endLogin() {
	controller.applyMounted(func() bool {
		controller.logins--
		if controller.logins == 0 {
			controller.loading = false
		}
		return true
	})
}

func (controller *Controller) apply(epoch uint64, mutate func() bool) bool {
	return controller.update(func() bool { return controller.epoch == epoch }, false, mutate)
}

func (controller *Controller) applyMounted(mutate func() bool) bool {
	return controller.update(func() bool { return true }, false, mutate)
}

func (controller *Controller) supersede(mutate func() bool) bool {
	return controller.update(func() bool { return true }, true, mutate)
}

func (controller *Controller) supersedeIfCurrent(epoch uint64, mutate func() bool) bool {
	return controller.update(func() bool { return controller.epoch == epoch }, true, mutate)
}

func (controller *Controller) update(guard func() bool, bumpEpoch bool, mutate func() bool) bool {
	// notifyMutex is taken first so observers see snapshots in mutation order.
	controller.notifyMutex.Lock()
	defer controller.notifyMutex.Unlock()

	controller.mutex.Lock()
	if !controller.mounted || !guard() {
		controller.mutex.Unlock()
		return false
	}
	if bumpEpoch {
		controller.epoch++
	}
	if !mutate() {
		controller.mutex.Unlock()
		return true
	}
	snapshot := controller.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(controller.subscribers))
	for _, listener := range controller.subscribers {
		listeners = append(listeners, listener)
	}
	controller.mutex.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
	return true
}

func (controller *Controller) snapshotLocked() Snapshot {
	var user *CurrentUser
	if controller.currentUser != nil {
		copied := *controller.currentUser
		user = &copied
	}
	return Snapshot{
		State:           controller.state,
		CurrentUser:     user,
		IsLoading:       controller.loading,
		ConnectionError: controller.connError,
		SessionExpired:  controller.expired,
	}
}
