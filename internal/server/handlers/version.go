package handlers

import (
	"net/http"
	"runtime"

	apperrors "github.com/3leaps/snapvault/internal/errors"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// VersionHandler serves fixed build information.
func VersionHandler(version, commit, buildDate string) http.HandlerFunc {
	info := VersionInfo{Version: version, Commit: commit, BuildDate: buildDate, GoVersion: runtime.Version()}
	return func(w http.ResponseWriter, _ *http.Request) {
		apperrors.WriteJSON(w, http.StatusOK, info)
	}
}
