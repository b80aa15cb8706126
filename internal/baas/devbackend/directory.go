package devbackend

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAccountExists is returned when an email is already registered.
	ErrAccountExists = errors.New("devbackend.account_exists")
	// ErrInvalidCredentials is returned for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("devbackend.invalid_credentials")
	// ErrDuplicateProfile is returned when a profile already exists for the auth id.
	ErrDuplicateProfile = errors.New("devbackend.duplicate_profile")
	// ErrWeakPassword is returned for passwords shorter than the minimum length.
	ErrWeakPassword = errors.New("devbackend.weak_password")
)

const minPasswordLength = 6

type account struct {
	ID           string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// ProfileRow is a row of the profiles table.
type ProfileRow struct {
	ID        string
	AuthID    string
	Name      string
	Email     string
	Store     string
	Role      string
	CreatedAt time.Time
}

func (row ProfileRow) columns() map[string]any {
	return map[string]any{
		"id":         row.ID,
		"auth_id":    row.AuthID,
		"name":       row.Name,
		"email":      row.Email,
		"store":      row.Store,
		"role":       row.Role,
		"created_at": row.CreatedAt,
	}
}

// directory holds auth accounts and the profiles table.
type directory struct {
	mutex      sync.RWMutex
	accounts   map[string]*account
	byEmail    map[string]string
	profiles   []ProfileRow
	bcryptCost int
	now        func() time.Time
}

func newDirectory(bcryptCost int, now func() time.Time) *directory {
	return &directory{
		accounts:   make(map[string]*account),
		byEmail:    make(map[string]string),
		bcryptCost: bcryptCost,
		now:        now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (store *directory) createAccount(email string, password string) (*account, error) {
	normalized := normalizeEmail(email)
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), store.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("devbackend.hash_password: %w", err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[normalized]; exists {
		return nil, ErrAccountExists
	}
	created := &account{
		ID:           uuid.NewString(),
		Email:        normalized,
		PasswordHash: hash,
		CreatedAt:    store.now(),
	}
	store.accounts[created.ID] = created
	store.byEmail[normalized] = created.ID
	return created, nil
}

func (store *directory) authenticate(email string, password string) (*account, error) {
	store.mutex.RLock()
	accountID, ok := store.byEmail[normalizeEmail(email)]
	var found *account
	if ok {
		found = store.accounts[accountID]
	}
	store.mutex.RUnlock()
	if found == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(found.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return found, nil
}

func (store *directory) accountByID(accountID string) (*account, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	found, ok := store.accounts[accountID]
	return found, ok
}

func (store *directory) insertProfile(row ProfileRow) (ProfileRow, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.profiles {
		if existing.AuthID == row.AuthID {
			return ProfileRow{}, ErrDuplicateProfile
		}
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now()
	}
	store.profiles = append(store.profiles, row)
	return row, nil
}

func (store *directory) deleteProfile(authID string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for index, existing := range store.profiles {
		if existing.AuthID == authID {
			store.profiles = append(store.profiles[:index], store.profiles[index+1:]...)
			return true
		}
	}
	return false
}

// selectProfiles returns rows whose columns equal every filter value.
func (store *directory) selectProfiles(filters map[string]string, limit int) []ProfileRow {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	matched := make([]ProfileRow, 0)
	for _, row := range store.profiles {
		columns := row.columns()
		keep := true
		for column, expected := range filters {
			if fmt.Sprint(columns[column]) != expected {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		matched = append(matched, row)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched
}
