package plugin

import (
	"context"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/whatsapp"
)

// Category agrupa comandos por menu
type Category string

const (
	CategoryMain  Category = "mainmenu"
	CategoryGroup Category = "groupmenu"
	CategoryGame  Category = "gamemenu"
	CategoryVIP   Category = "vipmenu"
	CategoryOwner Category = "ownermenu"
)

// CommandEnv é o contexto enriquecido entregue a um comando
type CommandEnv struct {
	SessionID string
	UserID    string
	Driver    whatsapp.SocketDriver
	Message   *message.Message
	Command   string
	Args      []string

	IsGroup   bool
	IsCreator bool
	IsAdmin   bool
	Group     *group.Metadata // nil fora de grupo

	// Reply responde no chat de origem; Send envia para um JID arbitrário.
	// Ambos passam pelo wrapper de envio do SessionManager.
	Reply func(ctx context.Context, text string) error
	Send  func(ctx context.Context, toJID string, msg *whatsapp.OutgoingMessage) error
}

// ScanEnv é o contexto entregue a um anti-plugin
type ScanEnv struct {
	SessionID string
	Driver    whatsapp.SocketDriver
	Message   *message.Message
	Group     *group.Metadata

	Reply func(ctx context.Context, text string) error
}

// Plugin descreve um comando ou anti-plugin carregado no registro.
// Execute e ExecuteRaw são assinaturas alternativas; o dispatcher chama a
// que estiver declarada, preferindo a forma com contexto enriquecido.
type Plugin struct {
	ID       string
	Name     string
	Category Category

	Commands    []string
	Aliases     []string
	Permissions []string

	OwnerOnly bool
	AdminOnly bool
	VIPOnly   bool
	GroupOnly bool

	// ModeCommand marca comandos que administram o modo de atendimento
	// da sessão; eles passam pelo gate de grupo mesmo com o atendimento
	// em grupos desligado, senão o dono não teria como religar
	ModeCommand bool

	// DBMutating marca comandos que alteram estado persistido; usados
	// com o ledger de deduplicação entre sessões
	DBMutating bool

	Execute    func(ctx context.Context, env *CommandEnv) error
	ExecuteRaw func(ctx context.Context, driver whatsapp.SocketDriver, msg *message.Message, args []string) error

	// ProcessMessage roda em toda mensagem recebida (anti-plugin)
	ProcessMessage func(ctx context.Context, env *ScanEnv) error

	// Predicados opcionais consultados antes do ProcessMessage
	IsEnabled     func(chatJID string) bool
	ShouldProcess func(msg *message.Message) bool
}

// IsAnti verifica se o plugin declara varredura de mensagens
func (p *Plugin) IsAnti() bool {
	return p.ProcessMessage != nil
}

// AllCommands retorna comandos e aliases em uma única lista
func (p *Plugin) AllCommands() []string {
	out := make([]string, 0, len(p.Commands)+len(p.Aliases))
	out = append(out, p.Commands...)
	out = append(out, p.Aliases...)
	return out
}
