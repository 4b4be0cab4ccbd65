package cmd

import (
	"context"

	"github.com/flagwire/flagwire/internal/config"
	"github.com/flagwire/flagwire/internal/core/store"
)

// openStore opens the request store and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
