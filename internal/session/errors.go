package session

import "errors"

var (
	// ErrProfileNotFound indicates the identity has no matching profile row.
	ErrProfileNotFound = errors.New("session.profile_not_found")
	// ErrMissingIdentity indicates the provider answered without an identity.
	ErrMissingIdentity = errors.New("session.missing_identity")
	// ErrClosed indicates the controller has been torn down.
	ErrClosed = errors.New("session.closed")
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("session.already_started")
)

// User-facing connection error messages.
const (
	MessageProfileConnection  = "Error de conexión al cargar perfil de usuario"
	MessageLoginConnection    = "Error de conexión al iniciar sesión"
	MessageSessionConnection  = "Error de conexión al verificar la sesión"
	MessageRegisterConnection = "Error de conexión al registrar usuario"
)

// LoginPath is the login entry point used for redirects.
const LoginPath = "/login"
