package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	sessiondomain "nexusbot/internal/domain/session"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/http/responses"
	wasession "nexusbot/internal/infra/whatsapp/session"
	"nexusbot/pkg/logger"
)

var validate = validator.New()

// CreateSessionRequest descreve o corpo do POST /session/create
type CreateSessionRequest struct {
	UserID      string `json:"userId" validate:"required,min=1,max=64"`
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,e164"`
	Source      string `json:"source" validate:"omitempty,oneof=telegram web"`
}

// DisconnectSessionRequest descreve o corpo do POST /session/disconnect
type DisconnectSessionRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Cleanup bool   `json:"cleanup"`
}

// ReconnectSessionRequest descreve o corpo do POST /session/reconnect
type ReconnectSessionRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// SessionHandler expõe o SessionManager na superfície administrativa
type SessionHandler struct {
	manager *wasession.Manager
	repo    sessiondomain.Repository
	logger  logger.Logger
}

// NewSessionHandler cria uma nova instância do session handler
func NewSessionHandler(manager *wasession.Manager, repo sessiondomain.Repository, log logger.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		repo:    repo,
		logger:  log.WithComponent("session-handler"),
	}
}

// Create abre uma nova sessão, com pareamento habilitado
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		responses.BadRequest(w, "Corpo da requisição inválido", err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		responses.BadRequest(w, "Dados inválidos", err.Error())
		return
	}

	source := sessiondomain.Source(req.Source)
	if source == "" {
		source = sessiondomain.SourceWeb
	}

	sock, err := h.manager.CreateSession(r.Context(), req.UserID, req.PhoneNumber, source, true)
	if err != nil {
		switch {
		case errors.Is(err, sessiondomain.ErrSessionAlreadyExists),
			errors.Is(err, sessiondomain.ErrSessionConnecting):
			responses.Conflict(w, "Sessão já existe para este usuário", err.Error())
		default:
			h.logger.WithError(err).Error().Str("userId", req.UserID).Msg("Failed to create session")
			responses.InternalError(w, "Falha ao criar sessão")
		}
		return
	}

	responses.Created(w, "Sessão criada, aguardando pareamento", map[string]interface{}{
		"sessionId": sock.SessionID,
	})
}

// PairingCode retorna o código de pareamento pendente da sessão
func (h *SessionHandler) PairingCode(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		responses.BadRequest(w, "Parâmetro userId é obrigatório", "")
		return
	}

	sock := h.manager.GetSession(sessiondomain.SessionID(userID))
	if sock == nil {
		responses.NotFound(w, "Sessão não encontrada")
		return
	}

	code := sock.PairingCode()
	if code == "" {
		responses.Success(w, "Nenhum código de pareamento pendente", map[string]interface{}{
			"pairingCode": "",
			"connected":   h.manager.IsReallyConnected(sock.SessionID),
		})
		return
	}

	responses.Success(w, "Código de pareamento disponível", map[string]interface{}{
		"pairingCode": code,
	})
}

// Disconnect encerra a sessão; cleanup remove credenciais e dispositivo
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		responses.BadRequest(w, "Corpo da requisição inválido", err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		responses.BadRequest(w, "Dados inválidos", err.Error())
		return
	}

	sessionID := sessiondomain.SessionID(req.UserID)
	if err := h.manager.DisconnectSession(r.Context(), sessionID, req.Cleanup); err != nil {
		if errors.Is(err, sessiondomain.ErrSessionNotFound) {
			responses.NotFound(w, "Sessão não encontrada")
			return
		}
		h.logger.WithError(err).Error().Str("sessionId", sessionID).Msg("Failed to disconnect session")
		responses.InternalError(w, "Falha ao desconectar sessão")
		return
	}

	responses.Success(w, "Sessão desconectada", nil)
}

// Reconnect reabre uma sessão existente usando as credenciais salvas.
// Pareamento fica desabilitado: sem auth válida a chamada falha.
func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	var req ReconnectSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		responses.BadRequest(w, "Corpo da requisição inválido", err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		responses.BadRequest(w, "Dados inválidos", err.Error())
		return
	}

	sessionID := sessiondomain.SessionID(req.UserID)
	sess, err := h.repo.GetByID(r.Context(), sessionID)
	if err != nil {
		responses.NotFound(w, "Sessão não encontrada")
		return
	}

	sock, err := h.manager.CreateSession(r.Context(), sess.UserID, sess.PhoneNumber, sess.Source, false)
	if err != nil {
		switch {
		case errors.Is(err, sessiondomain.ErrSessionAlreadyExists),
			errors.Is(err, sessiondomain.ErrSessionConnecting):
			responses.Conflict(w, "Sessão já está aberta", err.Error())
		case errors.Is(err, whatsapp.ErrNoValidAuth):
			responses.Conflict(w, "Sem credenciais válidas, crie a sessão novamente", err.Error())
		default:
			h.logger.WithError(err).Error().Str("sessionId", sessionID).Msg("Failed to reconnect session")
			responses.InternalError(w, "Falha ao reconectar sessão")
		}
		return
	}

	responses.Success(w, "Reconexão iniciada", map[string]interface{}{
		"sessionId": sock.SessionID,
	})
}

// Stats retorna o snapshot agregado do registro de sessões
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	responses.Success(w, "Estatísticas das sessões", h.manager.GetStats())
}

// Status retorna o estado persistido e o estado real de uma sessão
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		responses.BadRequest(w, "Parâmetro userId é obrigatório", "")
		return
	}

	sessionID := sessiondomain.SessionID(userID)
	sess, err := h.repo.GetByID(r.Context(), sessionID)
	if err != nil {
		responses.NotFound(w, "Sessão não encontrada")
		return
	}

	responses.Success(w, "Status da sessão", map[string]interface{}{
		"sessionId":   sess.ID,
		"userId":      sess.UserID,
		"source":      sess.Source,
		"status":      sess.ConnectionStatus,
		"connected":   h.manager.IsReallyConnected(sessionID),
		"waJid":       sess.WaJID,
		"lastMessage": sess.LastMessageAt,
	})
}
