package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callhub/internal/config"
	"callhub/internal/hub"
	"callhub/internal/models"
	"callhub/internal/store"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// LogStore queries the session and pause logs.
type LogStore interface {
	Sessions(ctx context.Context, f store.LogFilter) ([]models.SessionLog, error)
	Pauses(ctx context.Context, f store.LogFilter) ([]models.PauseLog, error)
}

type UserLister interface {
	Users(ctx context.Context) ([]hub.UserInfo, error)
}

type Deps struct {
	DB       Pinger
	Logs     LogStore
	Users    UserLister
	Realtime http.Handler
	Metrics  prometheus.Gatherer
	Logger   *slog.Logger
}

func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "http")

	r := chi.NewRouter()

	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))

	r.Get("/health", HealthHandler(deps.DB))
	r.Get("/version", VersionHandler())
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	// Client transport
	if deps.Realtime != nil {
		r.Handle("/ws", deps.Realtime)
	}

	// External APIs
	r.Route("/api", func(api chi.Router) {
		api.Use(APIKeyAuth(cfg))
		api.Get("/users", UsersHandler(deps.Users))
		api.Get("/sessions", SessionsHandler(deps.Logs))
		api.Get("/pauses", PausesHandler(deps.Logs))
	})

	return r
}
