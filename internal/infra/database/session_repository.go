package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"nexusbot/internal/domain/session"
)

// sessionRepository implementa a interface session.Repository
type sessionRepository struct {
	db *bun.DB
}

// NewSessionRepository cria uma nova instância do repositório de sessões
func NewSessionRepository(db *bun.DB) session.Repository {
	return &sessionRepository{db: db}
}

// Create cria uma nova sessão no banco de dados
func (r *sessionRepository) Create(ctx context.Context, sess *session.Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.ConnectionStatus == "" {
		sess.ConnectionStatus = session.StatusDisconnected
	}

	_, err := r.db.NewInsert().Model(sess).Exec(ctx)
	return err
}

// GetByID busca uma sessão pelo ID
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	sess := new(session.Session)
	err := r.db.NewSelect().Model(sess).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// GetByUserID busca uma sessão pelo usuário dono
func (r *sessionRepository) GetByUserID(ctx context.Context, userID string) (*session.Session, error) {
	sess := new(session.Session)
	err := r.db.NewSelect().Model(sess).Where("\"userId\" = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// List retorna todas as sessões
func (r *sessionRepository) List(ctx context.Context) ([]*session.Session, error) {
	var sessions []*session.Session
	err := r.db.NewSelect().Model(&sessions).Order("createdAt DESC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListBySource retorna as sessões de uma origem
func (r *sessionRepository) ListBySource(ctx context.Context, source session.Source) ([]*session.Session, error) {
	var sessions []*session.Session
	err := r.db.NewSelect().
		Model(&sessions).
		Where("source = ?", source).
		Order("createdAt DESC").
		Scan(ctx)

	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Update atualiza uma sessão existente
func (r *sessionRepository) Update(ctx context.Context, sess *session.Session) error {
	sess.UpdatedAt = time.Now()

	_, err := r.db.NewUpdate().
		Model(sess).
		Where("id = ?", sess.ID).
		Exec(ctx)

	return err
}

// UpdateStatus atualiza status, flag de conexão e tentativas de reconexão
func (r *sessionRepository) UpdateStatus(ctx context.Context, id string, status session.ConnectionStatus, isConnected bool, reconnectAttempts int) error {
	_, err := r.db.NewUpdate().
		Model((*session.Session)(nil)).
		Set("\"connectionStatus\" = ?", status).
		Set("\"isConnected\" = ?", isConnected).
		Set("\"reconnectAttempts\" = ?", reconnectAttempts).
		Set("\"updatedAt\" = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)

	return err
}

// UpdateWhatsAppJID atualiza o JID autenticado de uma sessão
func (r *sessionRepository) UpdateWhatsAppJID(ctx context.Context, id string, waJID string) error {
	_, err := r.db.NewUpdate().
		Model((*session.Session)(nil)).
		Set("\"waJid\" = ?", waJID).
		Set("\"updatedAt\" = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)

	return err
}

// UpdateLastMessageAt registra atividade de mensagem na sessão
func (r *sessionRepository) UpdateLastMessageAt(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.NewUpdate().
		Model((*session.Session)(nil)).
		Set("\"lastMessageAt\" = ?", now).
		Set("\"updatedAt\" = ?", now).
		Where("id = ?", id).
		Exec(ctx)

	return err
}

// SetVoluntarilyDisconnected marca desconexão voluntária
func (r *sessionRepository) SetVoluntarilyDisconnected(ctx context.Context, id string, value bool) error {
	_, err := r.db.NewUpdate().
		Model((*session.Session)(nil)).
		Set("\"voluntarilyDisconnected\" = ?", value).
		Set("\"updatedAt\" = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)

	return err
}

// Delete remove uma sessão do banco de dados
func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().
		Model((*session.Session)(nil)).
		Where("id = ?", id).
		Exec(ctx)

	return err
}
