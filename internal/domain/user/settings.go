package user

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// BotMode controla quem pode acionar comandos na sessão do usuário
type BotMode string

const (
	// BotModeSelf restringe comandos ao dono da sessão
	BotModeSelf BotMode = "self"
	// BotModePublic aceita comandos de qualquer remetente
	BotModePublic BotMode = "public"
)

// ErrSettingsNotFound indica ausência de configurações persistidas
var ErrSettingsNotFound = errors.New("user settings not found")

// Settings guarda as preferências de um usuário dono de sessão
type Settings struct {
	bun.BaseModel `bun:"table:nexus_user_settings,alias:us"`

	UserID   string     `bun:"userId,pk,type:varchar(64)" json:"userId"`
	BotMode  BotMode    `bun:"botMode,type:varchar(10),notnull" json:"botMode"`
	IsVIP    bool       `bun:"isVip,type:boolean" json:"isVip"`
	VIPUntil *time.Time `bun:"vipUntil,type:timestamptz" json:"vipUntil,omitempty"`
	Banned   bool       `bun:"banned,type:boolean" json:"banned"`
	// GroupsEnabled libera comandos em chats de grupo; desligado por
	// padrão, o dono ativa com o comando groups
	GroupsEnabled bool      `bun:"groupsEnabled,type:boolean" json:"groupsEnabled"`
	CreatedAt     time.Time `bun:"createdAt,type:timestamptz,notnull" json:"createdAt"`
	UpdatedAt     time.Time `bun:"updatedAt,type:timestamptz,notnull" json:"updatedAt"`
}

// DefaultSettings retorna as preferências de um usuário sem registro
func DefaultSettings(userID string) *Settings {
	now := time.Now()
	return &Settings{
		UserID:    userID,
		BotMode:   BotModeSelf,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// VIPActive informa se o VIP está vigente no instante dado
func (s *Settings) VIPActive(at time.Time) bool {
	if !s.IsVIP {
		return false
	}
	if s.VIPUntil == nil {
		return true
	}
	return at.Before(*s.VIPUntil)
}

// Repository define a persistência das preferências de usuário
type Repository interface {
	// Get busca as preferências; retorna ErrSettingsNotFound quando ausentes
	Get(ctx context.Context, userID string) (*Settings, error)

	// GetOrDefault busca as preferências, devolvendo o padrão quando ausentes
	GetOrDefault(ctx context.Context, userID string) (*Settings, error)

	// Upsert grava as preferências
	Upsert(ctx context.Context, settings *Settings) error

	// SetBotMode troca o modo de atendimento do usuário
	SetBotMode(ctx context.Context, userID string, mode BotMode) error

	// SetVIP define o estado VIP, com expiração opcional
	SetVIP(ctx context.Context, userID string, vip bool, until *time.Time) error

	// SetGroupsEnabled liga ou desliga o atendimento em grupos
	SetGroupsEnabled(ctx context.Context, userID string, enabled bool) error
}
