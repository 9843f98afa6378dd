// Package routes wires the HTTP endpoints and the outer middleware chain
// (request logging, CORS, publish rate limiting).
package routes

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/justinas/alice"
	"golang.org/x/time/rate"

	"github.com/mcjsscripts/jspm-registry/handler"
)

// Setup wires all HTTP endpoints. publishPerMinute caps publish attempts per
// client address; backpressure belongs to this layer, not the core.
func Setup(srv *handler.Server, log *slog.Logger, publishPerMinute int) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", srv.Check)
	mux.HandleFunc("GET /pkg/{name}", srv.GetPackage)
	mux.Handle("POST /pkg/{name}", limitByIP(publishPerMinute, http.HandlerFunc(srv.Publish)))
	mux.HandleFunc("GET /auth/getnonce/{uuid}", srv.GetNonce)
	mux.HandleFunc("POST /auth/puttoken/{uuid}", srv.PutToken)

	// Health check
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	chain := alice.New(logRequest(log), cors)
	return chain.Then(mux)
}

// logRequest logs basic request information.
func logRequest(log *slog.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

// cors allows the publisher tooling, which runs from arbitrary origins, to
// call the API directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitByIP applies a per-client token bucket to the wrapped handler.
func limitByIP(perMinute int, next http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = map[string]*rate.Limiter{}
	)
	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ip]
		if !ok {
			l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
			limiters[ip] = l
		}
		return l
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !limiterFor(ip).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"time":    time.Now().UnixMilli(),
				"error":   "Too many requests!",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
