package plugins

import (
	"context"
	"regexp"
	"sync"

	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/plugin"
)

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://|\bchat\.whatsapp\.com/|\bwa\.me/`)

// AntiLink detecta links em grupos onde o filtro foi ligado. O mesmo
// plugin registra o comando de configuração e a varredura de mensagens.
type AntiLink struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewAntiLink cria o anti-plugin de links, desligado em todos os chats
func NewAntiLink() *AntiLink {
	return &AntiLink{enabled: make(map[string]bool)}
}

// Plugin retorna a declaração registrável
func (a *AntiLink) Plugin() *plugin.Plugin {
	return &plugin.Plugin{
		ID:        "antilink",
		Name:      "Anti Link",
		Category:  plugin.CategoryGroup,
		Commands:  []string{"antilink"},
		GroupOnly: true,
		AdminOnly: true,
		Execute:   a.configure,

		ProcessMessage: a.scan,
		IsEnabled:      a.isEnabled,
		ShouldProcess:  hasLink,
	}
}

// configure liga ou desliga o filtro no chat atual
func (a *AntiLink) configure(ctx context.Context, env *plugin.CommandEnv) error {
	if len(env.Args) == 0 {
		return env.Reply(ctx, "Uso: antilink on|off")
	}

	chat := env.Message.Key.ChatJID
	switch env.Args[0] {
	case "on":
		a.set(chat, true)
		return env.Reply(ctx, "Anti-link ativado neste grupo.")
	case "off":
		a.set(chat, false)
		return env.Reply(ctx, "Anti-link desativado neste grupo.")
	default:
		return env.Reply(ctx, "Uso: antilink on|off")
	}
}

// scan avisa quando uma mensagem com link chega em um chat protegido
func (a *AntiLink) scan(ctx context.Context, env *plugin.ScanEnv) error {
	if env.Message.IsFromMe {
		return nil
	}
	return env.Reply(ctx, "Links não são permitidos neste grupo.")
}

func (a *AntiLink) isEnabled(chatJID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled[chatJID]
}

func (a *AntiLink) set(chatJID string, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.enabled[chatJID] = true
		return
	}
	delete(a.enabled, chatJID)
}

func hasLink(msg *message.Message) bool {
	return linkPattern.MatchString(msg.Text)
}
