package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"callhub/internal/hub"
	"callhub/internal/models"
	"callhub/internal/store"
)

type UsersResponse struct {
	Items []hub.UserInfo `json:"items"`
}

type SessionsResponse struct {
	Items []models.SessionLog `json:"items"`
}

type PausesResponse struct {
	Items []models.PauseLog `json:"items"`
}

func UsersHandler(users UserLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := users.Users(r.Context())
		if err != nil {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, UsersResponse{Items: items})
	}
}

func SessionsHandler(logs LogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := logs.Sessions(r.Context(), parseLogFilter(r))
		if err != nil {
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, SessionsResponse{Items: items})
	}
}

func PausesHandler(logs LogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := logs.Pauses(r.Context(), parseLogFilter(r))
		if err != nil {
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, PausesResponse{Items: items})
	}
}

// parseLogFilter reads from, to (RFC 3339), username, open and limit.
// Unparseable values are ignored.
func parseLogFilter(r *http.Request) store.LogFilter {
	q := r.URL.Query()
	var f store.LogFilter

	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = &t
	}
	f.Username = q.Get("username")
	f.OpenOnly, _ = strconv.ParseBool(q.Get("open"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
