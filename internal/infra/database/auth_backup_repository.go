package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"nexusbot/internal/infra/authstore"
)

// AuthRecord é o espelho de um arquivo de credenciais no tier secundário,
// chaveado por (sessionId, fileName)
type AuthRecord struct {
	bun.BaseModel `bun:"table:nexus_auth_records,alias:ar"`

	SessionID string    `bun:"sessionId,pk,type:varchar(100)" json:"sessionId"`
	FileName  string    `bun:"fileName,pk,type:varchar(200)" json:"fileName"`
	Content   []byte    `bun:"content,type:bytea,notnull" json:"-"`
	UpdatedAt time.Time `bun:"updatedAt,type:timestamptz,notnull" json:"updatedAt"`
}

// authBackupRepository implementa authstore.BackupRepository sobre Postgres
type authBackupRepository struct {
	db *bun.DB
}

// NewAuthBackupRepository cria o repositório do tier secundário de credenciais
func NewAuthBackupRepository(db *bun.DB) authstore.BackupRepository {
	return &authBackupRepository{db: db}
}

// Upsert grava ou substitui o conteúdo de um registro
func (r *authBackupRepository) Upsert(ctx context.Context, sessionID, fileName string, content []byte) error {
	record := &AuthRecord{
		SessionID: sessionID,
		FileName:  fileName,
		Content:   content,
		UpdatedAt: time.Now(),
	}

	_, err := r.db.NewInsert().
		Model(record).
		On("CONFLICT (\"sessionId\", \"fileName\") DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("\"updatedAt\" = EXCLUDED.\"updatedAt\"").
		Exec(ctx)

	return err
}

// Delete remove um registro
func (r *authBackupRepository) Delete(ctx context.Context, sessionID, fileName string) error {
	_, err := r.db.NewDelete().
		Model((*AuthRecord)(nil)).
		Where("\"sessionId\" = ?", sessionID).
		Where("\"fileName\" = ?", fileName).
		Exec(ctx)

	return err
}

// Get lê o conteúdo de um registro; nil quando ausente
func (r *authBackupRepository) Get(ctx context.Context, sessionID, fileName string) ([]byte, error) {
	record := new(AuthRecord)
	err := r.db.NewSelect().
		Model(record).
		Where("\"sessionId\" = ?", sessionID).
		Where("\"fileName\" = ?", fileName).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record.Content, nil
}

// ListFiles retorna os nomes de arquivo conhecidos da sessão
func (r *authBackupRepository) ListFiles(ctx context.Context, sessionID string) ([]string, error) {
	var names []string
	err := r.db.NewSelect().
		Model((*AuthRecord)(nil)).
		Column("fileName").
		Where("\"sessionId\" = ?", sessionID).
		Scan(ctx, &names)

	if err != nil {
		return nil, err
	}
	return names, nil
}

// DeleteAll purga todos os registros da sessão
func (r *authBackupRepository) DeleteAll(ctx context.Context, sessionID string) error {
	_, err := r.db.NewDelete().
		Model((*AuthRecord)(nil)).
		Where("\"sessionId\" = ?", sessionID).
		Exec(ctx)

	return err
}

// Ping verifica a disponibilidade do banco para o probe de saúde
func (r *authBackupRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
