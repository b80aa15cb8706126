package profilepg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/taskdesk/internal/retry"
	"github.com/tyemirov/taskdesk/internal/session"
	"go.uber.org/zap"
)

const defaultTable = "users"

// ErrDuplicateProfile indicates a profile row already exists for the identity.
var ErrDuplicateProfile = errors.New("profilepg.duplicate_profile")

// retryableStates lists SQLSTATE codes that describe transient server conditions.
var retryableStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"53300": {}, // too_many_connections
	"57P01": {}, // admin_shutdown
	"57P03": {}, // cannot_connect_now
}

type database interface {
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Config configures the store.
type Config struct {
	Table  string
	Logger *zap.Logger
}

// Store implements session.ProfileStore and connection.Prober over a pgx pool.
type Store struct {
	database database
	table    string
	rawTable string
	logger   *zap.Logger
}

// New wraps a pool (or any pgx-compatible connection) as a profile store.
func New(connection database, configuration Config) *Store {
	rawTable := strings.TrimSpace(configuration.Table)
	if rawTable == "" {
		rawTable = defaultTable
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		database: connection,
		table:    pgx.Identifier{rawTable}.Sanitize(),
		rawTable: rawTable,
		logger:   logger,
	}
}

func (store *Store) indexName(column string) string {
	return pgx.Identifier{"idx_" + store.rawTable + "_" + column}.Sanitize()
}

// SelectProfile reads the profile row keyed by the identity.
func (store *Store) SelectProfile(ctx context.Context, identityID string) (session.Profile, error) {
	var name string
	var storeRef string
	var role string
	row := store.database.QueryRow(ctx,
		"SELECT name, store, role FROM "+store.table+" WHERE auth_id = $1",
		identityID)
	if err := row.Scan(&name, &storeRef, &role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Profile{}, fmt.Errorf("profilepg.select_profile: %w", session.ErrProfileNotFound)
		}
		store.logger.Warn("profile select failed",
			zap.String("code", "profilepg.select_failed"),
			zap.Error(err))
		return session.Profile{}, classify("profilepg.select_profile", err)
	}
	return session.Profile{
		Name:     name,
		StoreRef: storeRef,
		Role:     session.ParseRole(role),
	}, nil
}

// InsertProfile writes the profile row created at registration.
func (store *Store) InsertProfile(ctx context.Context, record session.ProfileRecord) error {
	_, err := store.database.Exec(ctx,
		"INSERT INTO "+store.table+" (auth_id, name, email, store, role) VALUES ($1, $2, $3, $4, $5)",
		record.AuthID, record.Name, record.Email, record.StoreRef, record.Role.String())
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("profilepg.insert_profile: %w", ErrDuplicateProfile)
	}
	store.logger.Warn("profile insert failed",
		zap.String("code", "profilepg.insert_failed"),
		zap.Error(err))
	return classify("profilepg.insert_profile", err)
}

// Probe pings the database.
func (store *Store) Probe(ctx context.Context) error {
	if err := store.database.Ping(ctx); err != nil {
		return classify("profilepg.ping", err)
	}
	return nil
}

// classify wraps err with op and marks transient driver failures as retryable.
func classify(operation string, err error) error {
	wrapped := fmt.Errorf("%s: %w", operation, err)
	if isTransient(err) {
		return retry.MarkRetryable(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryableStates[pgErr.Code]; ok {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
