package profilepg

import (
	"context"
	"fmt"
)

// EnsureSchema creates the profiles table if it does not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	_, err := store.database.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id BIGSERIAL PRIMARY KEY,
    auth_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    store TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'employee',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (store);
`, store.table, store.indexName("store")))
	if err != nil {
		return classify("profilepg.ensure_schema", err)
	}
	return nil
}
