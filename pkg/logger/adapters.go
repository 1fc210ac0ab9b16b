package logger

import (
	"context"
	"strings"
	"time"

	"github.com/uptrace/bun"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// ============================================================================
// WHATSMEOW ADAPTER
// ============================================================================

// SuppressFilter decide se uma linha de log da biblioteca deve ser descartada.
// Substitui o hook de stdout usado para silenciar bibliotecas barulhentas:
// o filtro é aplicado no adaptador, nunca nos streams do processo.
type SuppressFilter func(msg string) bool

// NewSuppressFilter cria um filtro por substring (case-insensitive)
func NewSuppressFilter(patterns ...string) SuppressFilter {
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return func(msg string) bool {
		msgLower := strings.ToLower(msg)
		for _, p := range lowered {
			if strings.Contains(msgLower, p) {
				return true
			}
		}
		return false
	}
}

// WhatsmeowLoggerAdapter adapta nosso Logger para o waLog.Logger do whatsmeow
type WhatsmeowLoggerAdapter struct {
	logger Logger
	filter SuppressFilter
}

// NewWhatsmeowLoggerAdapter cria adaptador para whatsmeow com filtro opcional
func NewWhatsmeowLoggerAdapter(logger Logger, filter SuppressFilter) waLog.Logger {
	return &WhatsmeowLoggerAdapter{logger: logger, filter: filter}
}

func (w *WhatsmeowLoggerAdapter) suppressed(msg string) bool {
	return w.filter != nil && w.filter(msg)
}

func (w *WhatsmeowLoggerAdapter) Errorf(msg string, args ...any) {
	if w.suppressed(msg) {
		return
	}
	w.logger.Error().Msgf(msg, args...)
}

func (w *WhatsmeowLoggerAdapter) Warnf(msg string, args ...any) {
	if w.suppressed(msg) {
		return
	}
	w.logger.Warn().Msgf(msg, args...)
}

func (w *WhatsmeowLoggerAdapter) Infof(msg string, args ...any) {
	if w.suppressed(msg) {
		return
	}
	w.logger.Debug().Msgf(msg, args...)
}

func (w *WhatsmeowLoggerAdapter) Debugf(msg string, args ...any) {
	if w.suppressed(msg) {
		return
	}
	w.logger.Trace().Msgf(msg, args...)
}

func (w *WhatsmeowLoggerAdapter) Sub(module string) waLog.Logger {
	if module == "" {
		return w
	}
	return &WhatsmeowLoggerAdapter{logger: w.logger.WithComponent(module), filter: w.filter}
}

// ============================================================================
// BUN ORM ADAPTER
// ============================================================================

// BunQueryHook implementa hook para logging de queries do Bun ORM
type BunQueryHook struct {
	logger Logger
}

// NewBunQueryHook cria um novo hook para logging de queries do Bun
func NewBunQueryHook(logger Logger) bun.QueryHook {
	return &BunQueryHook{
		logger: logger.WithComponent("database"),
	}
}

// BeforeQuery é chamado antes da execução da query
func (h *BunQueryHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery é chamado após a execução da query
func (h *BunQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	durationMs := duration.Milliseconds()

	if event.Err != nil {
		h.logger.Error().
			Err(event.Err).
			Str("query", sanitizeQuery(event.Query)).
			Int64("duration_ms", durationMs).
			Msg("Database query failed")
		return
	}

	// Queries lentas (> 100ms) sempre logam como WARNING
	if durationMs > 100 {
		h.logger.Warn().
			Str("query", sanitizeQuery(event.Query)).
			Int64("duration_ms", durationMs).
			Msg("Slow database query")
		return
	}

	h.logger.Trace().
		Str("query", sanitizeQuery(event.Query)).
		Int64("duration_ms", durationMs).
		Msg("DB operation completed")
}

// sanitizeQuery encurta e normaliza a query para logging
func sanitizeQuery(query string) string {
	const maxLength = 200
	if len(query) > maxLength {
		query = query[:maxLength] + "..."
	}
	return strings.Join(strings.Fields(query), " ")
}
