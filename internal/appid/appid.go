// Package appid resolves the flagwire application identity used for help
// text, config discovery and environment variable prefixes.
package appid

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/flagwire/flagwire/internal/assets/appidentity"
)

func init() {
	// Best-effort: an explicit FULMEN_APP_IDENTITY_PATH or a discovered
	// .fulmen/app.yaml still takes precedence over the embedded copy.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the cached application identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}
