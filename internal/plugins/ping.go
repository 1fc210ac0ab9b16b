package plugins

import (
	"context"
	"fmt"
	"time"

	"nexusbot/internal/domain/plugin"
)

// NewPing cria o comando de liveness do menu principal
func NewPing() *plugin.Plugin {
	return &plugin.Plugin{
		ID:       "ping",
		Name:     "Ping",
		Category: plugin.CategoryMain,
		Commands: []string{"ping"},
		Aliases:  []string{"p"},
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			if env.Message.Timestamp.IsZero() {
				return env.Reply(ctx, "Pong!")
			}
			latency := time.Since(env.Message.Timestamp)
			if latency < 0 {
				return env.Reply(ctx, "Pong!")
			}
			return env.Reply(ctx, fmt.Sprintf("Pong! %dms", latency.Milliseconds()))
		},
	}
}
