package main

import (
	"embed"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/captionforge/captionforge/libs/auth"
	"github.com/captionforge/captionforge/libs/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed assets/gateway.v1.yaml
var openAPISpec embed.FS

type routeConfig struct {
	BillingURL string
	CaptionURL string
	JWTSecret  string
	RateLimit  httpx.Middleware
}

func registerRoutes(mux *http.ServeMux, cfg routeConfig) {
	billingProxy := newProxy(cfg.BillingURL)
	captionProxy := newProxy(cfg.CaptionURL)

	limit := cfg.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	public := func(h http.Handler) http.Handler { return limit(h) }
	authed := func(h http.Handler) http.Handler { return requireAuth(limit(h), cfg.JWTSecret) }

	// Stripe reaches the webhook without a JWT; the signature is the auth.
	registerProxy(mux, "/api/v1/billing/webhooks/stripe", public(billingProxy))
	registerProxy(mux, "/api/v1/billing/webhooks/local", authed(requireRole(billingProxy, httpx.RoleAdmin)))
	// Checkout return pages poll these without a JWT.
	registerProxy(mux, "/api/v1/billing/checkout/session", public(billingProxy))
	registerProxy(mux, "/api/v1/billing/checkout/session/ack", public(billingProxy))
	registerProxy(mux, "/api/v1/billing/plans", optionalAuth(limit(billingProxy), cfg.JWTSecret))
	registerProxy(mux, "/api/v1/billing", authed(billingProxy))
	registerProxy(mux, "/api/v1/captions", authed(captionProxy))

	mux.HandleFunc("/billing/success", func(w http.ResponseWriter, r *http.Request) {
		renderCheckoutReturnPage(w, r, "Payment successful", "success")
	})
	mux.HandleFunc("/billing/cancel", func(w http.ResponseWriter, r *http.Request) {
		renderCheckoutReturnPage(w, r, "Payment canceled", "cancel")
	})

	mux.HandleFunc("/openapi", func(w http.ResponseWriter, _ *http.Request) {
		data, err := openAPISpec.ReadFile("assets/gateway.v1.yaml")
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "openapi not available")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}

func newProxy(raw string) *httputil.ReverseProxy {
	target, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	p := httputil.NewSingleHostReverseProxy(target)
	p.Transport = otelhttp.NewTransport(http.DefaultTransport)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		httpx.WriteError(w, http.StatusBadGateway, "upstream unavailable")
	}
	director := p.Director
	p.Director = func(r *http.Request) {
		director(r)
		httpx.PropagateRequestID(r)
	}
	return p
}

func registerProxy(mux *http.ServeMux, prefix string, handler http.Handler) {
	if !strings.HasSuffix(prefix, "/") {
		mux.Handle(prefix, handler)
		mux.Handle(prefix+"/", handler)
		return
	}
	mux.Handle(prefix, handler)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func setIdentity(r *http.Request, claims *auth.Claims) {
	r.Header.Set(httpx.HeaderAccountID, claims.AccountID)
	r.Header.Set(httpx.HeaderUserID, claims.Subject)
	r.Header.Set(httpx.HeaderRole, claims.Role)
}

// requireAuth verifies the bearer token and forwards the caller's identity as headers.
func requireAuth(next http.Handler, jwtSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		claims, err := auth.ParseAndVerifyHS256(token, jwtSecret)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		setIdentity(r, claims)
		next.ServeHTTP(w, r)
	})
}

// optionalAuth forwards identity when a valid token is present and passes anonymous
// requests through unchanged.
func optionalAuth(next http.Handler, jwtSecret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			if claims, err := auth.ParseAndVerifyHS256(token, jwtSecret); err == nil {
				setIdentity(r, claims)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requireRole(next http.Handler, roles ...string) http.Handler {
	allowed := map[string]struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get(httpx.HeaderRole)
		if _, ok := allowed[role]; !ok {
			httpx.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
