package session

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Source indica a origem de criação de uma sessão
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceWeb      Source = "web"
)

// ConnectionStatus representa o status de conexão de uma sessão
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Session representa uma sessão WhatsApp hospedada pelo runtime.
// O ID segue o formato session_<userId>; apenas o SessionManager
// que possui a sessão muda seus campos.
type Session struct {
	bun.BaseModel `bun:"table:nexus_sessions,alias:s"`

	ID                      string           `bun:"id,pk,type:varchar(100)" json:"id"`
	UserID                  string           `bun:"userId,type:varchar(64),notnull" json:"userId"`
	PhoneNumber             string           `bun:"phoneNumber,type:varchar(20)" json:"phoneNumber,omitempty"`
	Source                  Source           `bun:"source,type:varchar(16),notnull" json:"source"`
	ConnectionStatus        ConnectionStatus `bun:"connectionStatus,type:varchar(20),notnull" json:"connectionStatus"`
	IsConnected             bool             `bun:"isConnected,type:boolean" json:"isConnected"`
	ReconnectAttempts       int              `bun:"reconnectAttempts,type:integer" json:"reconnectAttempts"`
	Detected                bool             `bun:"detected,type:boolean" json:"detected"`
	VoluntarilyDisconnected bool             `bun:"voluntarilyDisconnected,type:boolean" json:"voluntarilyDisconnected"`
	WaJID                   string           `bun:"waJid,type:varchar(100)" json:"waJid,omitempty"`
	LastMessageAt           *time.Time       `bun:"lastMessageAt,type:timestamptz" json:"lastMessageAt,omitempty"`
	CreatedAt               time.Time        `bun:"createdAt,type:timestamptz,notnull" json:"createdAt"`
	UpdatedAt               time.Time        `bun:"updatedAt,type:timestamptz,notnull" json:"updatedAt"`
}

// SessionID monta o identificador canônico de sessão para um usuário
func SessionID(userID string) string {
	return fmt.Sprintf("session_%s", userID)
}

// IsConnectedStatus verifica se a sessão está conectada
func (s *Session) IsConnectedStatus() bool {
	return s.ConnectionStatus == StatusConnected
}

// SetConnecting define o status como conectando
func (s *Session) SetConnecting() {
	s.ConnectionStatus = StatusConnecting
	s.UpdatedAt = time.Now()
}

// SetConnected define o status como conectado e zera as tentativas de reconexão
func (s *Session) SetConnected(waJID string) {
	s.ConnectionStatus = StatusConnected
	s.IsConnected = true
	s.WaJID = waJID
	s.ReconnectAttempts = 0
	s.VoluntarilyDisconnected = false
	s.UpdatedAt = time.Now()
}

// SetDisconnected define o status como desconectado
func (s *Session) SetDisconnected() {
	s.ConnectionStatus = StatusDisconnected
	s.IsConnected = false
	s.UpdatedAt = time.Now()
}

// TouchActivity registra atividade de mensagem na sessão
func (s *Session) TouchActivity() {
	now := time.Now()
	s.LastMessageAt = &now
	s.UpdatedAt = now
}
