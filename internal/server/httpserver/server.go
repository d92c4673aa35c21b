// Package httpserver exposes federation, token and harvest operations over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/and161185/neodb-bridge/internal/convert"
	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/model"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBody = 1 << 12

// Federator runs the two phases of instance sign-in.
type Federator interface {
	Begin(ctx context.Context, req service.BeginRequest) service.Outcome
	Complete(ctx context.Context, req service.CompleteRequest, sink service.SessionSink) service.Outcome
}

// TokenService manages linked-account tokens.
type TokenService interface {
	SignOut(ctx context.Context, userID uuid.UUID) (service.SweepReport, error)
	Reveal(ctx context.Context, userID uuid.UUID) (string, error)
}

// HarvestService drives harvest tasks.
type HarvestService interface {
	Start(ctx context.Context, userID uuid.UUID, year int) (uuid.UUID, error)
	Step(ctx context.Context, userID, taskID uuid.UUID) (service.StepResult, error)
	Status(ctx context.Context, userID, taskID uuid.UUID) (*model.HarvestTask, error)
	Finalize(ctx context.Context, userID, taskID uuid.UUID) (int, error)
}

// ProxyService relays API calls to the user's instance.
type ProxyService interface {
	Forward(ctx context.Context, userID uuid.UUID, req remote.ForwardRequest) (*remote.ForwardResponse, error)
}

// SessionVerifier resolves a session token to a user ID.
type SessionVerifier interface {
	VerifySession(token string) (uuid.UUID, error)
}

// Deps are the collaborators of Server. Gatherer defaults to the global registry.
type Deps struct {
	Federation Federator
	Tokens     TokenService
	Harvest    HarvestService
	Proxy      ProxyService
	Sessions   SessionVerifier
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Log        *zap.Logger
}

// Config tunes cookie and proxy handling.
type Config struct {
	SecureCookies     bool
	TrustProxyHeaders bool
}

// Server wires services into HTTP handlers.
type Server struct {
	Deps
	cfg      Config
	validate *validator.Validate
}

// New constructs a server with injected services.
func New(d Deps, cfg Config) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{Deps: d, cfg: cfg, validate: validator.New()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(Recover(s.Log))
	r.Use(Logging(s.Log))
	r.Use(s.Metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/neodb/start", s.begin)
		r.Get("/auth/neodb/callback", s.callback)

		r.Group(func(r chi.Router) {
			r.Use(Session(s.Sessions))
			r.Post("/auth/sign-out", s.signOut)
			r.Post("/auth/neodb/token/reveal", s.reveal)
			if s.Proxy != nil {
				r.HandleFunc("/auth/neodb/api/*", s.proxyAPI)
			}

			r.Route("/harvest/marks", func(r chi.Router) {
				r.Post("/", s.startHarvest)
				r.Get("/{id}", s.harvestStatus)
				r.Post("/{id}/step", s.stepHarvest)
				r.Delete("/{id}", s.finalizeHarvest)
			})
		})
	})
	return r
}

// --- Auth ---

func (s *Server) begin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out := s.Federation.Begin(r.Context(), service.BeginRequest{
		Instance:    q.Get("instance"),
		CallbackURL: q.Get("callbackURL"),
		NewUserURL:  q.Get("newUserCallbackURL"),
		ClientIP:    clientIP(r),
	})
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sink := service.SessionSinkFunc(func(_ context.Context, sess model.Session, _ model.User) error {
		http.SetCookie(w, s.sessionCookie(sess))
		return nil
	})
	out := s.Federation.Complete(r.Context(), service.CompleteRequest{
		Code:  q.Get("code"),
		Error: q.Get("error"),
		State: q.Get("state"),
	}, sink)
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	rep, err := s.Tokens.SignOut(r.Context(), userID)
	// the session ends even when redaction could not be recorded
	http.SetCookie(w, s.sessionCookie(model.Session{}))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convert.ToSweepView(rep))
}

func (s *Server) reveal(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	tok, err := s.Tokens.Reveal(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, convert.RevealView{AccessToken: tok})
}

// proxyAPI relays /api/auth/neodb/api/<rest> to <instance>/api/<rest>.
func (s *Server) proxyAPI(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	if r.ContentLength > service.MaxProxyBody {
		respondError(w, errs.E(errs.PayloadTooLarge, nil))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, service.MaxProxyBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, errs.E(errs.PayloadTooLarge, err))
			return
		}
		respondError(w, errs.E(errs.InvalidRequest, err))
		return
	}
	if len(body) == 0 {
		body = nil
	}

	resp, err := s.Proxy.Forward(r.Context(), userID, remote.ForwardRequest{
		Method:      r.Method,
		Path:        "/api/" + chi.URLParam(r, "*"),
		RawQuery:    r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// sessionCookie builds the session cookie; a zero session clears it.
func (s *Server) sessionCookie(sess model.Session) *http.Cookie {
	c := &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if sess.Token == "" {
		c.MaxAge = -1
	} else {
		c.Expires = sess.ExpiresAt
	}
	return c
}

// --- Harvest ---

func (s *Server) startHarvest(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromCtx(r.Context())
	var req convert.StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, errs.E(errs.InvalidRequest, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, errs.E(errs.InvalidRequest, err))
		return
	}
	id, err := s.Harvest.Start(r.Context(), userID, req.Year)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convert.StartView{ID: id.String()})
}

func (s *Server) stepHarvest(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskParams(w, r)
	if !ok {
		return
	}
	res, err := s.Harvest.Step(r.Context(), userID, taskID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convert.ToStepView(res))
}

func (s *Server) harvestStatus(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskParams(w, r)
	if !ok {
		return
	}
	t, err := s.Harvest.Status(r.Context(), userID, taskID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convert.ToTaskView(*t))
}

func (s *Server) finalizeHarvest(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := taskParams(w, r)
	if !ok {
		return
	}
	total, err := s.Harvest.Finalize(r.Context(), userID, taskID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convert.FinalizeView{TotalCollected: total})
}

func taskParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		respondError(w, errs.E(errs.Unauthorized, nil))
		return uuid.Nil, uuid.Nil, false
	}
	taskID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, errs.E(errs.InvalidRequest, errors.New("bad task id")))
		return uuid.Nil, uuid.Nil, false
	}
	return userID, taskID, true
}
