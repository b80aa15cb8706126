package baas

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("session_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("session_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("session_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("session_store.unsupported_no_scheme")
)

// DatabaseSessionStore persists sessions using GORM.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseSessionStore) Driver() string {
	return store.driverLabel
}

type sessionRecord struct {
	StorageKey    string `gorm:"column:storage_key;primaryKey"`
	AccessToken   string `gorm:"column:access_token;not null"`
	RefreshToken  string `gorm:"column:refresh_token;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;not null"`
	UserID        string `gorm:"column:user_id;index;not null"`
	Email         string `gorm:"column:email;not null;default:''"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionRecord) TableName() string {
	return "client_sessions"
}

// NewDatabaseSessionStore constructs a GORM-backed store and migrates its table.
func NewDatabaseSessionStore(ctx context.Context, databaseURL string) (*DatabaseSessionStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseSessionStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Load returns the session stored under key.
func (store *DatabaseSessionStore) Load(ctx context.Context, key string) (StoredSession, error) {
	var record sessionRecord
	err := store.db.WithContext(ctx).Where("storage_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredSession{}, ErrSessionNotFound
		}
		return StoredSession{}, fmt.Errorf("session_store.load.%s: %w", store.driverLabel, err)
	}
	return StoredSession{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    time.Unix(record.ExpiresUnix, 0).UTC(),
		UserID:       record.UserID,
		Email:        record.Email,
	}, nil
}

// Save upserts the session stored under key.
func (store *DatabaseSessionStore) Save(ctx context.Context, key string, stored StoredSession) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.save.%s: %w", store.driverLabel, errEmptyStoreKey)
	}
	record := sessionRecord{
		StorageKey:    key,
		AccessToken:   stored.AccessToken,
		RefreshToken:  stored.RefreshToken,
		ExpiresUnix:   stored.ExpiresAt.Unix(),
		UserID:        stored.UserID,
		Email:         stored.Email,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("session_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes the session stored under key. Deleting a missing key is not an error.
func (store *DatabaseSessionStore) Delete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("storage_key = ?", key).Delete(&sessionRecord{}).Error; err != nil {
		return fmt.Errorf("session_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("session_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedStore)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
