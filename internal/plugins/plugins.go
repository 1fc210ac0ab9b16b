// Package plugins reúne os comandos e anti-plugins embutidos do runtime.
package plugins

import (
	"nexusbot/internal/domain/plugin"
	"nexusbot/internal/domain/user"
	"nexusbot/internal/infra/media"
)

// BuiltIn retorna o conjunto padrão de plugins, pronto para registro
func BuiltIn(users user.Repository, proc *media.Processor) []*plugin.Plugin {
	return []*plugin.Plugin{
		NewPing(),
		NewGroupInfo(),
		NewPromote(users),
		NewVIPStatus(users),
		NewGroups(users),
		NewBotMode(users),
		NewAntiLink().Plugin(),
		NewSticker(proc),
	}
}
