package plugins

import (
	"context"
	"strings"

	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/user"
)

// NewGroups cria o comando que liga e desliga o atendimento em grupos
// da sessão. É um comando de modo: continua acessível em grupo mesmo
// com o atendimento desligado.
func NewGroups(users user.Repository) *plugin.Plugin {
	return &plugin.Plugin{
		ID:          "groups",
		Name:        "Groups Toggle",
		Category:    plugin.CategoryMain,
		Commands:    []string{"groups"},
		Aliases:     []string{"grupos"},
		OwnerOnly:   true,
		ModeCommand: true,
		DBMutating:  true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			if len(env.Args) == 0 {
				return env.Reply(ctx, "Uso: groups on|off")
			}
			var enabled bool
			switch strings.ToLower(env.Args[0]) {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return env.Reply(ctx, "Uso: groups on|off")
			}

			if err := users.SetGroupsEnabled(ctx, env.UserID, enabled); err != nil {
				return err
			}
			if enabled {
				return env.Reply(ctx, "Atendimento em grupos ativado.")
			}
			return env.Reply(ctx, "Atendimento em grupos desativado.")
		},
	}
}

// NewBotMode cria o comando que alterna a sessão entre os modos self e
// public
func NewBotMode(users user.Repository) *plugin.Plugin {
	return &plugin.Plugin{
		ID:          "mode",
		Name:        "Bot Mode",
		Category:    plugin.CategoryMain,
		Commands:    []string{"mode"},
		Aliases:     []string{"modo"},
		OwnerOnly:   true,
		ModeCommand: true,
		DBMutating:  true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			if len(env.Args) == 0 {
				return env.Reply(ctx, "Uso: mode self|public")
			}
			var mode user.BotMode
			switch strings.ToLower(env.Args[0]) {
			case "self":
				mode = user.BotModeSelf
			case "public":
				mode = user.BotModePublic
			default:
				return env.Reply(ctx, "Uso: mode self|public")
			}

			if err := users.SetBotMode(ctx, env.UserID, mode); err != nil {
				return err
			}
			return env.Reply(ctx, "Modo de atendimento agora é "+string(mode)+".")
		},
	}
}
