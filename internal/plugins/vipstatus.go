package plugins

import (
	"context"
	"fmt"

	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/user"
)

// NewVIPStatus cria o comando que mostra a vigência do VIP do dono da
// sessão
func NewVIPStatus(users user.Repository) *plugin.Plugin {
	return &plugin.Plugin{
		ID:       "vipstatus",
		Name:     "VIP Status",
		Category: plugin.CategoryVIP,
		Commands: []string{"vipstatus"},
		Aliases:  []string{"vip"},
		VIPOnly:  true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			settings, err := users.GetOrDefault(ctx, env.UserID)
			if err != nil {
				return err
			}
			if settings.VIPUntil == nil {
				return env.Reply(ctx, "Seu VIP está ativo, sem data de expiração.")
			}
			return env.Reply(ctx, fmt.Sprintf("Seu VIP expira em %s.", settings.VIPUntil.Format("02/01/2006")))
		},
	}
}
