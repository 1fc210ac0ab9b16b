package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nexusbot/internal/http/handlers"
	appMiddleware "nexusbot/internal/http/middleware"
	"nexusbot/pkg/logger"
)

// Limites por rota: criar e reconectar sessão são caros (abrem socket e
// disparam pareamento), o restante segue o limite padrão por IP.
const (
	defaultRateLimit  = 100
	defaultRateWindow = time.Minute

	sessionOpenLimit  = 50
	sessionOpenWindow = 5 * time.Minute
)

// Router representa o roteador principal da aplicação
type Router struct {
	*chi.Mux
	logger         logger.Logger
	sessionHandler *handlers.SessionHandler
	healthHandler  *handlers.HealthHandler
	allowedOrigins []string
}

// New cria uma nova instância do router
func New(
	log logger.Logger,
	sessionHandler *handlers.SessionHandler,
	healthHandler *handlers.HealthHandler,
	allowedOrigins []string,
) *Router {
	r := &Router{
		Mux:            chi.NewRouter(),
		logger:         log.WithComponent("router"),
		sessionHandler: sessionHandler,
		healthHandler:  healthHandler,
		allowedOrigins: allowedOrigins,
	}

	r.setupMiddlewares()
	r.setupRoutes()

	return r
}

// setupMiddlewares configura os middlewares globais
func (r *Router) setupMiddlewares() {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(appMiddleware.NewCORS(r.allowedOrigins))
	r.Use(appMiddleware.NewLoggingMiddleware(r.logger))
	r.Use(appMiddleware.NewRecoveryMiddleware(r.logger))
	r.Use(appMiddleware.NewRateLimit(defaultRateLimit, defaultRateWindow))
}

// setupRoutes configura as rotas da aplicação
func (r *Router) setupRoutes() {
	r.Get("/health", r.healthHandler.Health)
	r.Get("/api/status", r.healthHandler.Status)

	r.Route("/session", func(rt chi.Router) {
		rt.Group(func(rt chi.Router) {
			rt.Use(appMiddleware.NewRateLimit(sessionOpenLimit, sessionOpenWindow))
			rt.Post("/create", r.sessionHandler.Create)
			rt.Post("/reconnect", r.sessionHandler.Reconnect)
		})

		rt.Get("/pairing-code", r.sessionHandler.PairingCode)
		rt.Post("/disconnect", r.sessionHandler.Disconnect)
		rt.Get("/stats", r.sessionHandler.Stats)
		rt.Get("/status", r.sessionHandler.Status)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"message":"Endpoint não encontrado","error":{"code":"NOT_FOUND"}}`))
	})
}
