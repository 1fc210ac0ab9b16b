package plugins

import (
	"context"
	"fmt"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/user"
)

// NewPromote cria o comando que promove o usuário mencionado a VIP.
// Muta o banco, então o efeito é deduplicado entre sessões que observam
// a mesma mensagem.
func NewPromote(users user.Repository) *plugin.Plugin {
	return &plugin.Plugin{
		ID:         "promote",
		Name:       "Promote",
		Category:   plugin.CategoryGroup,
		Commands:   []string{"promote"},
		GroupOnly:  true,
		AdminOnly:  true,
		DBMutating: true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			target := ""
			if len(env.Message.Mentions) > 0 {
				target = group.PhonePart(env.Message.Mentions[0])
			} else if len(env.Args) > 0 {
				target = group.PhonePart(env.Args[0])
			}
			if target == "" {
				return env.Reply(ctx, "Mencione o usuário que deve ser promovido.")
			}

			if err := users.SetVIP(ctx, target, true, nil); err != nil {
				return fmt.Errorf("failed to promote %s: %w", target, err)
			}
			return env.Reply(ctx, fmt.Sprintf("Usuário %s promovido a VIP.", target))
		},
	}
}
