// Package server wires the crypto, storage, session, rate-limit, token,
// authcode, magiccode, device and federated packages into the GroveAuth
// HTTP surface: the wire-level endpoints every client (browser, CLI,
// sibling service) speaks to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AutumnsGrove/groveauth/audit"
	"github.com/AutumnsGrove/groveauth/authcode"
	"github.com/AutumnsGrove/groveauth/device"
	"github.com/AutumnsGrove/groveauth/federated"
	"github.com/AutumnsGrove/groveauth/magiccode"
	"github.com/AutumnsGrove/groveauth/pkg/log"
	"github.com/AutumnsGrove/groveauth/ratelimit"
	"github.com/AutumnsGrove/groveauth/session"
	"github.com/AutumnsGrove/groveauth/storage"
	"github.com/AutumnsGrove/groveauth/token"
)

// sessionTTL bounds how long a freshly-created session (from either
// magiccode or federated login) stays live before the cookie goes stale.
const sessionTTL = 30 * 24 * time.Hour

// Config holds everything NewServer needs to assemble the kernel and its
// HTTP surface. Multiple Server instances sharing one Storage are expected
// to be configured identically.
type Config struct {
	Issuer       string // e.g. https://auth.example.com
	CookieDomain string // registrable parent domain for grove_session

	Storage storage.Storage

	// RateLimiter overrides the default storage-backed limiter, e.g. with
	// ratelimit.RedisLimiter for a multi-replica deployment. Defaults to
	// ratelimit.New(c.Storage) when nil.
	RateLimiter ratelimit.Checker

	// SessionSecret derives the AES-256-GCM session-cookie key via HKDF.
	SessionSecret []byte
	// LegacyHMACKey, if set, enables read-only acceptance of the old
	// 3-part HMAC cookie format during a migration window.
	LegacyHMACKey []byte

	Providers []federated.Provider
	Mailer    magiccode.Mailer
	// PublicSignup disables the allowlist check on federated callback,
	// materializing any identity the IdP vouches for.
	PublicSignup bool

	RotationStrategy token.RotationStrategy

	// TrustedProxyHeader, if set, is trusted to carry the caller's real IP
	// (e.g. "X-Forwarded-For" behind a known reverse proxy).
	TrustedProxyHeader string

	Logger             log.Logger
	PrometheusRegistry *prometheus.Registry
	Health             gosundheit.Health
}

// Server is the top-level object: one HTTP handler wrapping every
// ceremony's engine against one Storage.
type Server struct {
	issuer       string
	cookieDomain string

	db        storage.Storage
	sessions  *session.Store
	limiter   ratelimit.Checker
	minter    *token.Minter
	refresher *token.RefreshIssuer
	cookies   *token.CookieCodec
	authCodes *authcode.Engine
	magic     *magiccode.Engine
	devices   *device.Engine
	federated *federated.Adapter
	audit     *audit.Logger
	rotator   *token.KeyRotator

	publicSignup       bool
	trustedProxyHeader string
	devicePolls        sync.Map // device_code hash -> time.Time of last poll

	logger log.Logger
	mux    http.Handler
}

// NewServer assembles a Server and its router from c. It does not start the
// background key-rotation or garbage-collection loops — call Run for that.
func NewServer(c Config) (*Server, error) {
	if c.Storage == nil {
		return nil, fmt.Errorf("server: storage is required")
	}
	if c.Issuer == "" {
		return nil, fmt.Errorf("server: issuer is required")
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	cookies, err := token.NewCookieCodec(c.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("server: build cookie codec: %w", err)
	}
	if c.LegacyHMACKey != nil {
		cookies = cookies.WithLegacyHMACKey(c.LegacyHMACKey)
	}

	authCodes := authcode.New(c.Storage)
	strategy := c.RotationStrategy
	if strategy == (token.RotationStrategy{}) {
		strategy = token.DefaultRotationStrategy()
	}

	limiter := c.RateLimiter
	if limiter == nil {
		limiter = ratelimit.New(c.Storage)
	}

	s := &Server{
		issuer:             c.Issuer,
		cookieDomain:       c.CookieDomain,
		db:                 c.Storage,
		sessions:           session.New(c.Storage, logger),
		limiter:            limiter,
		minter:             token.NewMinter(c.Storage, c.Issuer),
		refresher:          token.NewRefreshIssuer(c.Storage),
		cookies:            cookies,
		authCodes:          authCodes,
		magic:              magiccode.New(c.Storage, authCodes, c.Mailer, logger),
		devices:            device.New(c.Storage, c.Issuer+"/auth/device"),
		federated:          federated.New(c.Storage, c.Providers...),
		audit:              audit.New(c.Storage, logger),
		rotator:            token.NewKeyRotator(c.Storage, strategy, logger),
		publicSignup:       c.PublicSignup,
		trustedProxyHeader: c.TrustedProxyHeader,
		logger:             logger,
	}

	s.mux = s.buildRouter(c)
	return s, nil
}

// Run starts the background key-rotation and garbage-collection loops,
// blocking until ctx is canceled. Intended to run under oklog/run alongside
// the HTTP server's own ListenAndServe.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var rotateErr error
	go func() {
		defer wg.Done()
		rotateErr = s.rotator.Run(ctx)
	}()

	gcTicker := time.NewTicker(5 * time.Minute)
	go func() {
		defer wg.Done()
		defer gcTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-gcTicker.C:
				if r, err := s.db.GarbageCollect(ctx, time.Now().UTC()); err != nil {
					s.logger.Errorf("garbage collection failed: %v", err)
				} else {
					s.logger.Debugf("garbage collection: %+v", r)
				}
			}
		}
	}()

	wg.Wait()
	return rotateErr
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) absURL(p string) string {
	return s.issuer + path.Clean("/"+p)
}

func (s *Server) buildRouter(c Config) http.Handler {
	instrumentHandler := func(name string, h http.Handler) http.HandlerFunc { return h.ServeHTTP }
	if c.PrometheusRegistry != nil {
		requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groveauth_http_requests_total",
			Help: "Count of all HTTP requests.",
		}, []string{"code", "method", "handler"})
		durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groveauth_http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"code", "method", "handler"})
		c.PrometheusRegistry.MustRegister(requestCounter, durationHist)

		instrumentHandler = func(name string, h http.Handler) http.HandlerFunc {
			return promhttp.InstrumentHandlerDuration(
				durationHist.MustCurryWith(prometheus.Labels{"handler": name}),
				promhttp.InstrumentHandlerCounter(
					requestCounter.MustCurryWith(prometheus.Labels{"handler": name}), h,
				),
			)
		}
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()

	handle := func(p string, name string, h http.HandlerFunc) {
		wrapped := securityHeaders(requestID(h))
		r.Handle(p, instrumentHandler(name, wrapped)).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	}

	handleCORS := func(p, name string, h http.HandlerFunc) {
		cors := handlers.CORS(
			handlers.AllowedOriginValidator(s.originAllowed),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
			handlers.AllowCredentials(),
		)
		wrapped := securityHeaders(requestID(cors(h).ServeHTTP))
		r.Handle(p, instrumentHandler(name, wrapped)).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	}

	handleCORS("/oauth/{provider}", "federated_begin", s.handleFederatedBegin)
	handleCORS("/oauth/{provider}/callback", "federated_callback", s.handleFederatedCallback)
	handleCORS("/magic/send", "magic_send", s.handleMagicSend)
	handleCORS("/magic/verify", "magic_verify", s.handleMagicVerify)
	handleCORS("/token", "token", s.handleToken)
	handleCORS("/token/refresh", "token_refresh", s.handleToken)
	handleCORS("/token/revoke", "token_revoke", s.handleRevoke)
	handleCORS("/auth/device-code", "device_code", s.handleDeviceCodeMint)
	handleCORS("/auth/device", "device_lookup", s.handleDeviceLookup)
	handleCORS("/auth/device/authorize", "device_authorize", s.handleDeviceDecision)
	handleCORS("/session/validate", "session_validate", s.handleSessionValidate)
	handleCORS("/session/revoke", "session_revoke", s.handleSessionRevoke)
	handleCORS("/session/revoke-all", "session_revoke_all", s.handleSessionRevokeAll)
	handleCORS("/session/list", "session_list", s.handleSessionList)
	handleCORS("/session/validate-service", "session_validate_service", s.handleSessionValidateService)

	handle("/health", "health", s.handleHealth(c.Health))
	if c.PrometheusRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.PrometheusRegistry, promhttp.HandlerOpts{}))
	}

	return r
}

// originAllowed implements handlers.CORSOption's origin validator: the
// wildcard is never returned because this validator runs per-request
// against the registered client whose redirect/origin set contains origin,
// never a static allow-list — and gorilla/handlers only sets
// Access-Control-Allow-Origin when this returns true, never "*", whenever
// AllowCredentials is also set.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	clients, err := s.db.ListClientsWithOrigin(context.Background(), origin)
	if err != nil {
		s.logger.Errorf("cors origin check: %v", err)
		return false
	}
	return len(clients) > 0
}

func requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestIDKey{}, uuid.NewString())
		next(w, r.WithContext(ctx))
	}
}

type requestIDKey struct{}

func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next(w, r)
	}
}
