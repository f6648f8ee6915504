package memory

import (
	"context"
	"strings"
)

// NewStore picks the turn store for this deployment: postgres when a
// DATABASE_URL is configured, otherwise the in-process store. The probe and
// local runs never need a database.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
