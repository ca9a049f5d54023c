package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CORS lets the browser frontend served from origin call the HTTP API with
// an Authorization header or a JSON body.
func CORS(origin string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	})
}

// Uploaded images are embedded by a frontend on another origin, hence the
// cross-origin resource policy.
var securityHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'self'; img-src 'self' data: blob:; frame-ancestors 'self'"},
	{"Cross-Origin-Resource-Policy", "cross-origin"},
	{"Referrer-Policy", "no-referrer"},
	{"Strict-Transport-Security", "max-age=15552000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
}

// SecureHeaders stamps the hardening headers on every response.
func SecureHeaders(next http.Handler) http.Handler {
	mws := make(chi.Middlewares, 0, len(securityHeaders))
	for _, h := range securityHeaders {
		mws = append(mws, chimw.SetHeader(h[0], h[1]))
	}
	return mws.Handler(next)
}
