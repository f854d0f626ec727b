package http

import (
	"net/http"

	"github.com/fmtmentor/server/internal/http/handlers"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handlers groups the endpoint handlers mounted by NewRouter
type Handlers struct {
	Auth   *handlers.AuthHandler
	Token  *handlers.TokenHandler
	Device *handlers.DeviceHandler
	Health *handlers.HealthHandler
}

// Limits are the per-IP limiters for code-sending and code-checking endpoints; nil disables one
type Limits struct {
	Send   middleware.Limiter
	Verify middleware.Limiter
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(h Handlers, tokens middleware.TokenValidator, limits Limits, log *zap.Logger, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log, m))
	r.Use(chimw.Recoverer)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	sendLimit := limit(limits.Send, log)
	verifyLimit := limit(limits.Verify, log)

	r.Get("/health", h.Health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/signup", func(r chi.Router) {
		r.With(sendLimit).Post("/send-email-otp", h.Auth.HandleSendEmailOtp)
		r.With(verifyLimit).Post("/verify-email-otp", h.Auth.HandleVerifyEmailOtp)
		r.With(sendLimit).Post("/send-mobile-otp", h.Auth.HandleSendMobileOtp)
		r.With(verifyLimit).Post("/verify-mobile-otp", h.Auth.HandleVerifyMobileOtp)
	})

	r.With(sendLimit).Post("/login", h.Auth.HandleLogin)
	r.With(verifyLimit).Post("/login/verify-otp", h.Auth.HandleVerifyLoginOtp)

	r.With(verifyLimit).Post("/token/refresh", h.Token.HandleRefresh)
	r.With(verifyLimit).Post("/token/rotate", h.Token.HandleRotate)
	r.With(verifyLimit).Post("/token/status", h.Token.HandleRefreshStatus)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(tokens))

		r.Post("/logout", h.Auth.HandleLogout)
		r.Get("/me", h.Auth.HandleMe)

		r.Post("/token/revoke-all", h.Token.HandleRevokeAll)
		r.Get("/token/validate", h.Token.HandleValidate)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.Device.HandleList)
			r.Delete("/{id}", h.Device.HandleRevoke)
			r.Post("/check-limit", h.Device.HandleCheckLimit)
			r.Post("/disconnect", h.Device.HandleDisconnect)
			r.Post("/streaming/start", h.Device.HandleStartStreaming)
			r.Post("/streaming/stop", h.Device.HandleStopStreaming)
		})
	})

	return r
}

func limit(l middleware.Limiter, log *zap.Logger) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimitMiddleware(l, middleware.GetIPKey, log)
}
