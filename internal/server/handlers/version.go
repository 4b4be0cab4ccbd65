package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// DevBuild is reported by binaries built without ldflags.
var DevBuild = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

type AppInfo struct {
	Name      string `json:"name"`
	Vendor    string `json:"vendor,omitempty"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// NewVersionHandler reports build and identity metadata. Without an
// identity the app is named "flagwire".
func NewVersionHandler(build BuildInfo, identity *appidentity.Identity) http.HandlerFunc {
	app := AppInfo{
		Name:      "flagwire",
		Version:   build.Version,
		Commit:    build.Commit,
		BuildDate: build.BuildDate,
		GoVersion: runtime.Version(),
	}
	if identity != nil {
		if identity.BinaryName != "" {
			app.Name = identity.BinaryName
		}
		app.Vendor = identity.Vendor
	}
	deps := crucible.GetVersion()

	return func(w http.ResponseWriter, r *http.Request) {
		response := VersionResponse{
			App: app,
			Dependencies: DepInfo{
				Gofulmen: deps.Gofulmen,
				Crucible: deps.Crucible,
			},
			Runtime: RuntimeInfo{
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
				NumCPU:        runtime.NumCPU(),
				NumGoroutines: runtime.NumGoroutine(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
