package handlers

import (
	"context"
	"net/http"
	"time"

	"nexusbot/internal/http/responses"
	wasession "nexusbot/internal/infra/whatsapp/session"
)

// DBPinger é o recorte do banco que o health check consome
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler implementa o health check e o status agregado da API
type HealthHandler struct {
	manager   *wasession.Manager
	db        DBPinger
	startedAt time.Time
}

// NewHealthHandler cria uma nova instância do health handler
func NewHealthHandler(manager *wasession.Manager, db DBPinger) *HealthHandler {
	return &HealthHandler{
		manager:   manager,
		db:        db,
		startedAt: time.Now(),
	}
}

// Health verifica a saúde da aplicação
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	responses.Success(w, "Service is healthy", map[string]interface{}{
		"status":  "ok",
		"service": "nexusbot-api",
	})
}

// Status retorna o estado agregado do runtime: uptime, banco e frota
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			responses.ServiceUnavailable(w, "Banco de dados indisponível")
			return
		}
		dbStatus = "ok"
	}

	stats := h.manager.GetStats()
	responses.Success(w, "Status do serviço", map[string]interface{}{
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"database":   dbStatus,
		"sessions":   stats.Total,
		"connected":  stats.Connected,
		"connecting": stats.Connecting,
	})
}
