package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/ws"
)

// Server bundles what the routes are built from.
type Server struct {
	Battles Battles
	Sockets ws.Battles
	Broker  *ws.Broker
	Logger  *zap.Logger
}

func SetupRoutes(s Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.Logger.Named("http")))

	// Public routes
	r.Post("/matchmaking", FindMatch(s.Battles, s.Logger))
	r.Delete("/matchmaking/{actorID}", Withdraw(s.Battles))
	r.Get("/battles/{battleID}", GetBattle(s.Battles))
	r.Get("/healthz", Healthz(s.Battles))
	r.Get("/ws", ws.Handler(s.Broker, s.Sockets, s.Logger))
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
