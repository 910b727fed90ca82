package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"devlog.app/licenses/internal/email"
	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/internal/metrics"
	"devlog.app/licenses/license"
	"devlog.app/licenses/models"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type LicenseService interface {
	IssueLicense(ctx context.Context, email string, source models.Source) (license.Issuance, error)
	VerifyLicense(ctx context.Context, licenseKey string) (license.Verification, error)
	LookupByEmail(ctx context.Context, email string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	GenerationSecret string
	WebhookSecret    string

	// Mailer delivers keys for new Stripe issuances. Nil disables email.
	Mailer email.Sender
	Store  Pinger

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	AllowedOrigins []string
	Version        string
}

type Server struct {
	Mux     *chi.Mux
	Service LicenseService

	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

func NewHttpServer(service LicenseService, opts Options) *Server {
	mux := chi.NewRouter()

	s := &Server{
		Mux:      mux,
		Service:  service,
		opts:     opts,
		validate: newValidator(),
		now:      time.Now,
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger)
	mux.Use(middleware.Recoverer)
	mux.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Secret"},
		MaxAge:         300,
	}))

	mux.Get("/health", s.Health)
	if opts.Gatherer != nil {
		mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/generate-license", s.GenerateLicense)
		r.Post("/verify-license", s.VerifyLicense)
		r.Get("/licenses", s.LookupLicense)

		r.Post("/webhooks/stripe", s.Stripe)
		r.Post("/stripe-webhook", s.Stripe)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.opts.Version,
		Timestamp: s.now().UTC(),
	}

	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.opts.Store.Ping(ctx); err != nil {
			logger.Error("Health check failed", map[string]interface{}{
				"error": err.Error(),
			})
			resp.Status = "unavailable"
			render.Status(r, http.StatusServiceUnavailable)
		}
	}

	render.JSON(w, r, resp)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: message})
}

// writeInternalError reports err and answers with a generic message.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logger.Error(msg, map[string]interface{}{
		"error":      err.Error(),
		"request_id": middleware.GetReqID(r.Context()),
	})

	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}

	writeErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
}

// secretMatches compares in constant time. An unset expected secret never matches.
func secretMatches(expected, given string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
			"request_id":  middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", fields)
			return
		}
		logger.Debug("Request handled", fields)
	})
}
