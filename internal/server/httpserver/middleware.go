package httpserver

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SessionCookie carries the local session token in browsers.
const SessionCookie = "nb_session"

// Logging logs one line per request.
func Logging(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			// path only; query strings carry oauth codes and state
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start)),
				zap.String("peer", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// Recover turns handler panics into 500 responses.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					respondError(w, errs.E(errs.Internal, nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Session authenticates the caller from the session cookie or a bearer token.
func Session(v SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := sessionToken(r)
			if tok == "" {
				respondError(w, errs.E(errs.Unauthorized, nil))
				return
			}
			id, err := v.VerifySession(tok)
			if err != nil {
				respondError(w, errs.E(errs.Unauthorized, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func sessionToken(r *http.Request) string {
	if t, ok := bearerToken(r); ok {
		return t
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	for _, v := range r.Header.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, true
			}
		}
	}
	return "", false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
