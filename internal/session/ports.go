package session

import "context"

// AuthProvider is the backend authentication service.
type AuthProvider interface {
	// GetSession returns the persisted session, or nil when there is none.
	GetSession(ctx context.Context) (*Session, error)
	// OnAuthStateChange registers a listener and returns its unsubscribe handle.
	OnAuthStateChange(listener func(AuthChange)) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email string, password string) (*Identity, error)
	// SignUp creates an identity without establishing a session.
	SignUp(ctx context.Context, email string, password string) (*Identity, error)
	SignOut(ctx context.Context) error
}

// ProfileStore reads and writes domain profiles.
type ProfileStore interface {
	SelectProfile(ctx context.Context, identityID string) (Profile, error)
	InsertProfile(ctx context.Context, record ProfileRecord) error
}

// Navigator moves the UI to another entry point.
type Navigator interface {
	Redirect(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Redirect calls the function.
func (navigate NavigatorFunc) Redirect(path string) {
	navigate(path)
}

// LocalState is client-side persisted state wiped on forced invalidation.
type LocalState interface {
	Clear(ctx context.Context) error
}

// MetricsRecorder increments counters for session events.
type MetricsRecorder interface {
	Increment(event string)
}
