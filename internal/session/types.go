package session

import (
	"encoding/json"
	"strings"
	"time"
)

// RoleKind enumerates the roles the application knows how to authorize.
type RoleKind int

const (
	// RoleUnknown holds any role string this build does not recognize.
	RoleUnknown RoleKind = iota
	RoleEmployee
	RoleSupervisor
	RoleAdmin
)

const (
	roleEmployeeName   = "employee"
	roleSupervisorName = "supervisor"
	roleAdminName      = "admin"
)

// Role is a closed set of known roles plus an Unknown variant that keeps the raw value.
type Role struct {
	kind RoleKind
	raw  string
}

// Known roles.
var (
	Employee   = Role{kind: RoleEmployee, raw: roleEmployeeName}
	Supervisor = Role{kind: RoleSupervisor, raw: roleSupervisorName}
	Admin      = Role{kind: RoleAdmin, raw: roleAdminName}
)

// DefaultRole is assigned to self-registered users.
var DefaultRole = Employee

// ParseRole maps a stored role string to a Role. Matching is exact; any other
// spelling becomes RoleUnknown with the raw value preserved.
func ParseRole(raw string) Role {
	switch raw {
	case roleEmployeeName:
		return Employee
	case roleSupervisorName:
		return Supervisor
	case roleAdminName:
		return Admin
	default:
		return Role{kind: RoleUnknown, raw: raw}
	}
}

// Kind returns the enumeration value for exhaustive switches.
func (role Role) Kind() RoleKind {
	return role.kind
}

// String returns the stored representation.
func (role Role) String() string {
	return role.raw
}

// Known reports whether the role is one of the recognized kinds.
func (role Role) Known() bool {
	return role.kind != RoleUnknown
}

// MarshalJSON writes the raw role string.
func (role Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(role.raw)
}

// UnmarshalJSON parses a role string.
func (role *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*role = ParseRole(raw)
	return nil
}

// Identity is the authenticated principal.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the provider's opaque session reference and the identity it resolves to.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
	Identity    *Identity
}

// HasIdentity reports whether the session resolves to an identity.
func (session *Session) HasIdentity() bool {
	return session != nil && session.Identity != nil && strings.TrimSpace(session.Identity.ID) != ""
}

// Profile is the domain record keyed by identity.
type Profile struct {
	Name     string
	StoreRef string
	Role     Role
}

// ProfileRecord is the row written when a user registers.
type ProfileRecord struct {
	AuthID   string
	Name     string
	Email    string
	StoreRef string
	Role     Role
}

// CurrentUser merges Identity and Profile.
type CurrentUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Store string `json:"store"`
	Role  Role   `json:"role"`
}

func composeUser(identity Identity, profile Profile) CurrentUser {
	return CurrentUser{
		ID:    identity.ID,
		Name:  profile.Name,
		Email: identity.Email,
		Store: profile.StoreRef,
		Role:  profile.Role,
	}
}

// AuthEvent names a provider notification.
type AuthEvent string

const (
	EventSignedIn           AuthEvent = "SIGNED_IN"
	EventSignedOut          AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed     AuthEvent = "TOKEN_REFRESHED"
	EventTokenRefreshFailed AuthEvent = "TOKEN_REFRESH_FAILED"
	EventUserUpdated        AuthEvent = "USER_UPDATED"
)

// AuthChange is delivered by AuthProvider subscriptions.
type AuthChange struct {
	Event   AuthEvent
	Session *Session
}

// State is the controller's lifecycle state.
type State string

const (
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// Snapshot is the reactive view published to observers.
type Snapshot struct {
	State           State        `json:"state"`
	CurrentUser     *CurrentUser `json:"current_user"`
	IsLoading       bool         `json:"is_loading"`
	ConnectionError string       `json:"connection_error,omitempty"`
	// SessionExpired is set when a session was lost without the user logging out.
	SessionExpired bool `json:"session_expired"`
}

// Degraded reports whether a connection error overlays the current state.
func (snapshot Snapshot) Degraded() bool {
	return snapshot.ConnectionError != ""
}
