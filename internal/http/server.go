package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"barnehage/presence/internal/activity"
	"barnehage/presence/internal/auth"
	"barnehage/presence/internal/config"
	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/media"
	"barnehage/presence/internal/model"
	"barnehage/presence/internal/notify"
	"barnehage/presence/internal/presence"
	"barnehage/presence/internal/session"
	"barnehage/presence/internal/timeline"
)

// Store is the slice of the document store the handlers touch directly.
// Satisfied by *db.Store.
type Store interface {
	GetChild(ctx context.Context, childID string) (model.Child, error)
	ListChildren(ctx context.Context, department string) ([]model.Child, error)
	ListChildrenByGuardian(ctx context.Context, guardianID string) ([]model.Child, error)
	CreateChild(ctx context.Context, child model.Child) error
	UpdateChildProfile(ctx context.Context, childID, name, department, allergies, notes string) error
	DeleteChild(ctx context.Context, childID string) error
	AddGuardian(ctx context.Context, childID, guardianID string) error
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
}

type Server struct {
	cfg        config.Config
	store      Store
	resolver   *fallback.Resolver
	sessions   *session.Resolver
	machine    *presence.Machine
	activities *activity.Engine
	timelines  *timeline.Projector
	media      *media.Service
	tokens     *notify.Registry
}

func NewServer(cfg config.Config, store Store, resolver *fallback.Resolver, sessions *session.Resolver, machine *presence.Machine, activities *activity.Engine, timelines *timeline.Projector, mediaSvc *media.Service, tokens *notify.Registry) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		sessions:   sessions,
		machine:    machine,
		activities: activities,
		timelines:  timelines,
		media:      mediaSvc,
		tokens:     tokens,
	}
}

// storeCall bounds a handler-level store access under the critical policy,
// so an unreachable store answers 503 instead of holding the request open.
func (s *Server) storeCall(ctx context.Context, name string, fn func(context.Context) error) error {
	return s.resolver.Do(ctx, fallback.Site{Name: name, Policy: fallback.Critical}, fn)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/children", s.handleListChildren)
		r.Post("/children", s.handleCreateChild)
		r.Get("/children/{childId}", s.handleGetChild)
		r.Patch("/children/{childId}", s.handlePatchChild)
		r.Delete("/children/{childId}", s.handleDeleteChild)
		r.Post("/children/{childId}/guardians", s.handleAddGuardian)

		r.Post("/children/{childId}/transitions", s.handleCreateTransition)
		r.Get("/children/{childId}/timeline", s.handleGetTimeline)
		r.Get("/children/{childId}/timeline/stream", s.handleStreamTimeline)
		r.Get("/timeline/stream", s.handleStreamTimeline)

		r.Post("/children/{childId}/activities", s.handleCreateActivity)
		r.Delete("/activities/{activityId}", s.handleDeleteActivity)

		r.Post("/children/{childId}/image", s.handleUploadImage)

		r.Post("/push/token", s.handleRegisterToken)
		r.Delete("/push/token", s.handleUnregisterToken)
	})

	return r
}

// Auth

type principalKey struct{}

// authMiddleware validates the bearer token and resolves the principal once
// per request. Role resolution never fails: on a degraded store it degrades
// to the email heuristic inside session.Resolve.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		principal := s.sessions.Resolve(r.Context(), *claims)
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) (model.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(model.Principal)
	return principal, ok
}

// writeDomainError maps engine errors onto the wire taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	var failure *fallback.Failure
	switch {
	case errors.Is(err, presence.ErrPermission), errors.Is(err, activity.ErrPermission):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, presence.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, activity.ErrDuplicateSuspected):
		writeError(w, http.StatusConflict, "duplicate_suspected")
	case errors.Is(err, presence.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, "invalid_action")
	case errors.Is(err, media.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
	case errors.Is(err, presence.ErrStateWriteFailed):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	case errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.As(err, &failure):
		if errors.Is(failure.Err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "store_unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
