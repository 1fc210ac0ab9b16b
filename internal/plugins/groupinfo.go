package plugins

import (
	"context"
	"fmt"
	"strings"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/plugin"
)

// NewGroupInfo cria o comando que resume os metadados do grupo atual
func NewGroupInfo() *plugin.Plugin {
	return &plugin.Plugin{
		ID:        "groupinfo",
		Name:      "Group Info",
		Category:  plugin.CategoryGroup,
		Commands:  []string{"groupinfo"},
		Aliases:   []string{"ginfo"},
		GroupOnly: true,
		AdminOnly: true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			meta := env.Group
			if meta == nil {
				return env.Reply(ctx, "Não consegui carregar as informações deste grupo.")
			}

			admins := 0
			for _, p := range meta.Participants {
				if p.Admin != group.RoleMember {
					admins++
				}
			}

			var b strings.Builder
			fmt.Fprintf(&b, "*%s*\n", meta.Subject)
			fmt.Fprintf(&b, "Participantes: %d\n", len(meta.Participants))
			fmt.Fprintf(&b, "Administradores: %d\n", admins)
			if meta.Announce {
				b.WriteString("Somente admins podem enviar mensagens\n")
			}
			if meta.Restrict {
				b.WriteString("Somente admins podem editar os dados do grupo\n")
			}
			return env.Reply(ctx, strings.TrimRight(b.String(), "\n"))
		},
	}
}
