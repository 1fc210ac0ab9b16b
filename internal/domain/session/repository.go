package session

import (
	"context"
)

// Repository define as operações de persistência para sessões
type Repository interface {
	// Create cria uma nova sessão no banco de dados
	Create(ctx context.Context, session *Session) error

	// GetByID busca uma sessão pelo ID
	GetByID(ctx context.Context, id string) (*Session, error)

	// GetByUserID busca uma sessão pelo usuário dono
	GetByUserID(ctx context.Context, userID string) (*Session, error)

	// List retorna todas as sessões
	List(ctx context.Context) ([]*Session, error)

	// ListBySource retorna as sessões de uma origem
	ListBySource(ctx context.Context, source Source) ([]*Session, error)

	// Update atualiza uma sessão existente
	Update(ctx context.Context, session *Session) error

	// UpdateStatus atualiza status, flag de conexão e tentativas de reconexão
	UpdateStatus(ctx context.Context, id string, status ConnectionStatus, isConnected bool, reconnectAttempts int) error

	// UpdateWhatsAppJID atualiza o JID autenticado de uma sessão
	UpdateWhatsAppJID(ctx context.Context, id string, waJID string) error

	// UpdateLastMessageAt registra atividade de mensagem
	UpdateLastMessageAt(ctx context.Context, id string) error

	// SetVoluntarilyDisconnected marca desconexão voluntária
	SetVoluntarilyDisconnected(ctx context.Context, id string, value bool) error

	// Delete remove uma sessão do banco de dados
	Delete(ctx context.Context, id string) error
}
