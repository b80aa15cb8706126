package devbackend

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const refreshOpaqueByteLength = 32

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has already been rotated or revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")
)

// refreshTokens keeps rotating refresh tokens in memory, indexed by hash.
type refreshTokens struct {
	mutex      sync.Mutex
	byID       map[string]*refreshRecord
	byHash     map[string]string
	sequenceID uint64
	now        func() time.Time
}

type refreshRecord struct {
	TokenID         string
	UserID          string
	SessionID       string
	Hash            string
	ExpiresAt       time.Time
	RevokedAt       time.Time
	PreviousTokenID string
}

func newRefreshTokens(now func() time.Time) *refreshTokens {
	return &refreshTokens{
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
		now:    now,
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *refreshTokens) Issue(userID string, sessionID string, expiresAt time.Time, previousTokenID string) (*refreshRecord, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return nil, "", err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequenceID++
	record := &refreshRecord{
		TokenID:         fmt.Sprintf("%s-%d", newRefreshTokenID(store.now()), store.sequenceID),
		UserID:          userID,
		SessionID:       sessionID,
		Hash:            hashValue,
		ExpiresAt:       expiresAt,
		PreviousTokenID: previousTokenID,
	}
	store.byID[record.TokenID] = record
	store.byHash[hashValue] = record.TokenID
	return record, opaque, nil
}

// Validate resolves an opaque token to its live record.
func (store *refreshTokens) Validate(tokenOpaque string) (refreshRecord, error) {
	if tokenOpaque == "" {
		return refreshRecord{}, ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return refreshRecord{}, ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return refreshRecord{}, ErrRefreshTokenNotFound
	}
	if !record.RevokedAt.IsZero() {
		return refreshRecord{}, ErrRefreshTokenRevoked
	}
	if record.ExpiresAt.Before(store.now()) {
		return refreshRecord{}, ErrRefreshTokenExpired
	}
	return *record, nil
}

// Revoke marks a token as revoked. Revoking twice is a no-op.
func (store *refreshTokens) Revoke(tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.RevokedAt.IsZero() {
		record.RevokedAt = store.now()
	}
	return nil
}

// RevokeUser revokes every live token belonging to the user and reports how many were revoked.
func (store *refreshTokens) RevokeUser(userID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	revoked := 0
	for _, record := range store.byID {
		if record.UserID == userID && record.RevokedAt.IsZero() {
			record.RevokedAt = store.now()
			revoked++
		}
	}
	return revoked
}

func newRefreshTokenID(now time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(now.UTC().Format(time.RFC3339Nano)))
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
