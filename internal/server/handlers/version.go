package handlers

import (
	"net/http"
	"runtime"
)

// VersionInfo is the body of /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata for /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	info := versionInfo
	info.GoVersion = runtime.Version()
	writeJSON(w, http.StatusOK, info)
}
