package dispatch

import (
	"context"
	"strings"
	"time"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/plugin"
	sessiondomain "nexusbot/internal/domain/session"
	"nexusbot/internal/domain/user"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/dedup"
	wasession "nexusbot/internal/infra/whatsapp/session"
	"nexusbot/pkg/logger"
)

const (
	defaultPrefix = "!"

	// Retries do caminho de groupmenu em erros de banco
	dbRetryMax  = 2
	dbRetryStep = 100 * time.Millisecond

	handleTimeout = 60 * time.Second
)

// SessionSocket é o recorte do socket de sessão que o pipeline consome
type SessionSocket interface {
	Driver() whatsapp.SocketDriver
	Send(ctx context.Context, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error)
}

// Dispatcher liga o stream de mensagens de cada sessão ao registro de
// plugins: resolve comandos, aplica os gates de modo e permissão, roda
// os anti-plugins e deduplica efeitos entre sessões que observam o
// mesmo chat.
type Dispatcher struct {
	registry *Registry
	perms    *permissionChecker
	ledger   *dedup.Ledger
	groups   *cache.GroupCache
	users    user.Repository
	prefix   string
	log      logger.Logger
}

// NewDispatcher cria o dispatcher
func NewDispatcher(registry *Registry, ledger *dedup.Ledger, groups *cache.GroupCache, users user.Repository, prefix string, log logger.Logger) *Dispatcher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Dispatcher{
		registry: registry,
		perms:    newPermissionChecker(users, log),
		ledger:   ledger,
		groups:   groups,
		users:    users,
		prefix:   prefix,
		log:      log.WithComponent("dispatcher"),
	}
}

// InstallHandlers inscreve o pipeline no stream de eventos da sessão.
// Chamado uma única vez por sessão, depois da conexão abrir.
func (d *Dispatcher) InstallHandlers(sess *sessiondomain.Session, sock *wasession.Socket) {
	d.install(sess, sock)
}

func (d *Dispatcher) install(sess *sessiondomain.Session, sock SessionSocket) {
	drv := sock.Driver()
	if drv == nil {
		return
	}

	drv.AddEventHandler(func(evt any) {
		upsert, ok := evt.(*whatsapp.MessagesUpsert)
		if !ok {
			return
		}
		for _, msg := range upsert.Messages {
			go d.handleMessage(sess, sock, msg)
		}
	})

	d.log.Info().Str("sessionId", sess.ID).Msg("Event handlers installed")
}

// handleMessage roda os dois caminhos do pipeline para uma mensagem:
// varredura de anti-plugins e, se houver prefixo, o comando
func (d *Dispatcher) handleMessage(sess *sessiondomain.Session, sock SessionSocket, msg *message.Message) {
	if msg == nil || msg.Key.ID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var meta *group.Metadata
	if msg.IsGroup {
		drv := sock.Driver()
		if drv != nil {
			var err error
			meta, err = d.groups.Get(ctx, drv, msg.Key.ChatJID, false)
			if err != nil {
				d.log.WithError(err).Warn().Str("chat", msg.Key.ChatJID).Msg("Group metadata lookup failed")
			}
		}
	}

	d.scanAntiPlugins(ctx, sess, sock, msg, meta)

	if strings.HasPrefix(msg.Text, d.prefix) {
		d.handleCommand(ctx, sess, sock, msg, meta)
	}
}

// handleCommand executa o caminho de comando do pipeline
func (d *Dispatcher) handleCommand(ctx context.Context, sess *sessiondomain.Session, sock SessionSocket, msg *message.Message, meta *group.Metadata) {
	command, args := d.parseCommand(msg.Text)
	if command == "" {
		return
	}

	p := d.registry.Lookup(command)
	if p == nil {
		return
	}

	drv := sock.Driver()
	if drv == nil {
		return
	}

	isCreator := senderIsCreator(msg, drv.UserJID())
	env := &plugin.CommandEnv{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Driver:    drv,
		Message:   msg,
		Command:   command,
		Args:      args,
		IsGroup:   msg.IsGroup,
		IsCreator: isCreator,
		IsAdmin:   isGroupAdmin(meta, msg.SenderJID),
		Group:     meta,
		Reply: func(ctx context.Context, text string) error {
			_, err := sock.Send(ctx, msg.Key.ChatJID, &whatsapp.OutgoingMessage{Text: text})
			return err
		},
		Send: func(ctx context.Context, toJID string, out *whatsapp.OutgoingMessage) error {
			_, err := sock.Send(ctx, toJID, out)
			return err
		},
	}

	// Gate de modo: em self, só mensagens do criador seguem adiante
	settings, err := d.users.GetOrDefault(ctx, sess.UserID)
	if err != nil {
		d.log.WithError(err).Warn().Str("userId", sess.UserID).Msg("User settings lookup failed, dropping command")
		return
	}
	if settings.Banned {
		return
	}
	if settings.BotMode == user.BotModeSelf && !isCreator {
		return
	}

	// Gate de grupo do chat: com atendimento em grupos desligado para o
	// dono, só comandos de modo executam em grupo. Admins e o criador
	// recebem o aviso; o resto cai em silêncio.
	if msg.IsGroup && !settings.GroupsEnabled && !p.ModeCommand {
		if isCreator || env.IsAdmin {
			key := dedup.Key{ChatJID: msg.Key.ChatJID, MessageID: msg.Key.ID}
			if d.ledger.TryLock(key, sess.ID, dedup.ActionErrorReply) {
				defer d.ledger.MarkDone(key, sess.ID, dedup.ActionErrorReply)
				_ = env.Reply(ctx, "O atendimento em grupos está desligado. Use "+d.prefix+"groups on para ativar.")
			}
		}
		return
	}

	// Gate de grupo: comandos group-only fora de grupo não executam
	if p.GroupOnly && !msg.IsGroup {
		if isCreator {
			_ = env.Reply(ctx, "Este comando só funciona em grupos.")
		}
		return
	}

	decision := d.perms.Check(ctx, permRequest{
		Plugin:    p,
		UserID:    sess.UserID,
		ChatJID:   msg.Key.ChatJID,
		SenderJID: msg.SenderJID,
		Command:   command,
		IsGroup:   msg.IsGroup,
		IsCreator: isCreator,
		Group:     meta,
	})
	if !decision.Allowed {
		d.handleDeny(ctx, sess.ID, p, msg, env, decision)
		return
	}

	key := dedup.Key{ChatJID: msg.Key.ChatJID, MessageID: msg.Key.ID}

	// Comandos que mutam o banco aplicam uma única vez na frota. A marca
	// de conclusão entra antes da execução: um comando mais lento que o
	// envelhecimento do lock não pode ser reaplicado por outra sessão.
	if p.DBMutating {
		if !d.ledger.TryLock(key, sess.ID, dedup.ActionDBUpdate) {
			return
		}
		d.ledger.MarkDone(key, sess.ID, dedup.ActionDBUpdate)
	}

	if err := d.execute(ctx, p, env); err != nil {
		d.log.WithError(err).Warn().
			Str("sessionId", sess.ID).
			Str("command", command).
			Msg("Command execution failed")
	}
}

// handleDeny responde uma negação com mensagem; negações silenciosas só
// caem. Para menus de grupo e jogo a resposta é deduplicada para que
// apenas a primeira sessão responda.
func (d *Dispatcher) handleDeny(ctx context.Context, sessionID string, p *plugin.Plugin, msg *message.Message, env *plugin.CommandEnv, decision Decision) {
	if decision.Message == "" {
		return
	}

	if p.Category == plugin.CategoryGroup || p.Category == plugin.CategoryGame {
		key := dedup.Key{ChatJID: msg.Key.ChatJID, MessageID: msg.Key.ID}
		if !d.ledger.TryLock(key, sessionID, dedup.ActionErrorReply) {
			return
		}
		defer d.ledger.MarkDone(key, sessionID, dedup.ActionErrorReply)
	}

	if err := env.Reply(ctx, decision.Message); err != nil {
		d.log.WithError(err).Debug().Str("sessionId", sessionID).Msg("Deny reply failed")
	}
}

// execute chama o plugin pela assinatura declarada. Comandos de
// groupmenu retentam erros de banco com backoff linear curto.
func (d *Dispatcher) execute(ctx context.Context, p *plugin.Plugin, env *plugin.CommandEnv) error {
	call := func() error {
		if p.Execute != nil {
			return p.Execute(ctx, env)
		}
		if p.ExecuteRaw != nil {
			return p.ExecuteRaw(ctx, env.Driver, env.Message, env.Args)
		}
		return nil
	}

	err := call()
	if err == nil || p.Category != plugin.CategoryGroup {
		return err
	}

	for attempt := 1; attempt <= dbRetryMax && isDatabaseError(err); attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * dbRetryStep):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err = call(); err == nil {
			return nil
		}
	}
	return err
}

// scanAntiPlugins roda os anti-plugins habilitados sobre a mensagem,
// com lock por (chat, mensagem, plugin) para que só uma sessão processe
func (d *Dispatcher) scanAntiPlugins(ctx context.Context, sess *sessiondomain.Session, sock SessionSocket, msg *message.Message, meta *group.Metadata) {
	drv := sock.Driver()
	if drv == nil {
		return
	}

	key := dedup.Key{ChatJID: msg.Key.ChatJID, MessageID: msg.Key.ID}

	for _, p := range d.registry.Antis() {
		if p.IsEnabled != nil && !p.IsEnabled(msg.Key.ChatJID) {
			continue
		}
		if p.ShouldProcess != nil && !p.ShouldProcess(msg) {
			continue
		}

		action := dedup.AntiAction(p.ID)
		if !d.ledger.TryLock(key, sess.ID, action) {
			continue
		}

		env := &plugin.ScanEnv{
			SessionID: sess.ID,
			Driver:    drv,
			Message:   msg,
			Group:     meta,
			Reply: func(ctx context.Context, text string) error {
				_, err := sock.Send(ctx, msg.Key.ChatJID, &whatsapp.OutgoingMessage{Text: text})
				return err
			},
		}

		if err := p.ProcessMessage(ctx, env); err != nil {
			d.log.WithError(err).Warn().
				Str("sessionId", sess.ID).
				Str("plugin", p.ID).
				Msg("Anti-plugin scan failed")
		}
		d.ledger.MarkDone(key, sess.ID, action)
	}
}

// isDatabaseError reconhece falhas transitórias da camada de banco que
// valem uma nova tentativa
func isDatabaseError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "database")
}

// parseCommand separa comando e argumentos após o prefixo
func (d *Dispatcher) parseCommand(text string) (string, []string) {
	body := strings.TrimPrefix(text, d.prefix)
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// senderIsCreator compara o telefone do remetente com o do dono da
// sessão; ambos os lados podem vir como JID ou LID
func senderIsCreator(msg *message.Message, botJID string) bool {
	if botJID == "" {
		return false
	}
	if msg.IsFromMe {
		return true
	}

	botPhone := group.PhonePart(botJID)
	if msg.SenderPhone != "" && msg.SenderPhone == botPhone {
		return true
	}
	return group.PhonePart(msg.SenderJID) == botPhone
}

// Close libera o cache de permissões e o watcher do registro
func (d *Dispatcher) Close() {
	d.perms.Close()
}
