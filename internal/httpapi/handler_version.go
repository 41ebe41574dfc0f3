package httpapi

import (
	"net/http"
)

// Version is set at build time with -ldflags "-X callhub/internal/httpapi.Version=…".
var Version = "dev"

func VersionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"callhubd","version":"` + Version + `"}`))
	}
}
