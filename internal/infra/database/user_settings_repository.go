package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"nexusbot/internal/domain/user"
)

// userSettingsRepository implementa a interface user.Repository
type userSettingsRepository struct {
	db *bun.DB
}

// NewUserSettingsRepository cria o repositório de preferências de usuário
func NewUserSettingsRepository(db *bun.DB) user.Repository {
	return &userSettingsRepository{db: db}
}

// Get busca as preferências de um usuário
func (r *userSettingsRepository) Get(ctx context.Context, userID string) (*user.Settings, error) {
	settings := new(user.Settings)
	err := r.db.NewSelect().Model(settings).Where("\"userId\" = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrSettingsNotFound
		}
		return nil, err
	}
	return settings, nil
}

// GetOrDefault busca as preferências, devolvendo o padrão quando ausentes
func (r *userSettingsRepository) GetOrDefault(ctx context.Context, userID string) (*user.Settings, error) {
	settings, err := r.Get(ctx, userID)
	if errors.Is(err, user.ErrSettingsNotFound) {
		return user.DefaultSettings(userID), nil
	}
	return settings, err
}

// Upsert grava as preferências
func (r *userSettingsRepository) Upsert(ctx context.Context, settings *user.Settings) error {
	settings.UpdatedAt = time.Now()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = settings.UpdatedAt
	}

	_, err := r.db.NewInsert().
		Model(settings).
		On("CONFLICT (\"userId\") DO UPDATE").
		Set("\"botMode\" = EXCLUDED.\"botMode\"").
		Set("\"isVip\" = EXCLUDED.\"isVip\"").
		Set("\"vipUntil\" = EXCLUDED.\"vipUntil\"").
		Set("banned = EXCLUDED.banned").
		Set("\"groupsEnabled\" = EXCLUDED.\"groupsEnabled\"").
		Set("\"updatedAt\" = EXCLUDED.\"updatedAt\"").
		Exec(ctx)

	return err
}

// SetBotMode troca o modo de atendimento do usuário
func (r *userSettingsRepository) SetBotMode(ctx context.Context, userID string, mode user.BotMode) error {
	settings, err := r.GetOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	settings.BotMode = mode
	return r.Upsert(ctx, settings)
}

// SetVIP define o estado VIP, com expiração opcional
func (r *userSettingsRepository) SetVIP(ctx context.Context, userID string, vip bool, until *time.Time) error {
	settings, err := r.GetOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	settings.IsVIP = vip
	settings.VIPUntil = until
	return r.Upsert(ctx, settings)
}

// SetGroupsEnabled liga ou desliga o atendimento em grupos
func (r *userSettingsRepository) SetGroupsEnabled(ctx context.Context, userID string, enabled bool) error {
	settings, err := r.GetOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	settings.GroupsEnabled = enabled
	return r.Upsert(ctx, settings)
}
