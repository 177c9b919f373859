package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"auth-core/internal/audit"
	"auth-core/internal/models"
	"auth-core/internal/service"
	"auth-core/internal/util"
)

const csrfHeader = "X-CSRF-Token"

type contextKey string

const currentUserKey contextKey = "current_user"

// currentUser returns the user attached by RequireAuth.
func currentUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(currentUserKey).(*models.User)
	return u
}

// requestContext is the origin metadata attached to audit events.
func requestContext(r *http.Request) audit.RequestContext {
	return audit.RequestContext{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetReqID(r.Context()),
	}
}

// clientIP strips the port from RemoteAddr. RealIP has already rewritten it
// when the proxy is trusted.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// requireHTTPS rejects any request that wasn't made over TLS. Behind a trusted
// proxy the forwarded scheme is accepted instead.
func requireHTTPS(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && !(trustProxy && r.Header.Get("X-Forwarded-Proto") == "https") {
				respondWithError(w, http.StatusUpgradeRequired, "HTTPS required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", clientIP(r)),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Authenticator resolves the session cookie and guards authenticated routes.
type Authenticator struct {
	sessions   *service.SessionManager
	cookieName string
	csrfKey    []byte
	logger     *zap.Logger
}

func NewAuthenticator(sessions *service.SessionManager, cookieName string, csrfKey []byte, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		sessions:   sessions,
		cookieName: cookieName,
		csrfKey:    csrfKey,
		logger:     logger,
	}
}

func (a *Authenticator) sessionToken(r *http.Request) string {
	c, err := r.Cookie(a.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// RequireAuth attaches the session's user to the request context or answers 401.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.sessions.Resolve(r.Context(), a.sessionToken(r), requestContext(r))
		if err != nil {
			respondWithServiceError(w, r, a.logger, err, msgAuthRequired)
			return
		}
		ctx := context.WithValue(r.Context(), currentUserKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must run after RequireAuth.
func (a *Authenticator) RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := currentUser(r)
			if user == nil {
				respondWithError(w, http.StatusUnauthorized, msgAuthRequired)
				return
			}
			if user.Role != role {
				respondWithServiceError(w, r, a.logger, service.ErrForbidden, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CSRFToken derives the token a client must echo in X-CSRF-Token. It is bound
// to the session, so it changes whenever the session does.
func (a *Authenticator) CSRFToken(sessionToken string) string {
	mac := hmac.New(sha256.New, a.csrfKey)
	mac.Write([]byte(sessionToken))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyCSRF guards state-changing routes that ride on the session cookie.
func (a *Authenticator) VerifyCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.sessionToken(r)
		got := r.Header.Get(csrfHeader)
		if token == "" || got == "" || !hmac.Equal([]byte(got), []byte(a.CSRFToken(token))) {
			respondWithError(w, http.StatusForbidden, msgInvalidCSRFToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter counts hits per key inside a fixed window.
type RateLimiter interface {
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
}

// Throttle limits requests per client IP. It sits in front of the login
// endpoint and is independent of per-account lockout. A limiter outage lets
// requests through; lockout still applies.
func Throttle(limiter RateLimiter, scope string, limit int, window time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count, remaining, err := limiter.IncrementCounter(r.Context(), scope+":"+clientIP(r), window)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request",
					zap.String("scope", scope),
					zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if count > limit {
				w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds()+0.5)))
				respondWithError(w, http.StatusTooManyRequests, msgTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
