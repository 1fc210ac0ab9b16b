package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusbot/internal/domain/group"
	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/plugin"
	sessiondomain "nexusbot/internal/domain/session"
	"nexusbot/internal/domain/user"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/dedup"
	"nexusbot/pkg/logger"
)

// fakeDriver embute a interface e sobrescreve só o que o pipeline toca
type fakeDriver struct {
	whatsapp.SocketDriver
	jid  string
	meta *group.Metadata
}

func (f *fakeDriver) UserJID() string { return f.jid }
func (f *fakeDriver) GroupMetadata(context.Context, string) (*group.Metadata, error) {
	return f.meta, nil
}
func (f *fakeDriver) AddEventHandler(func(evt any)) uint32 { return 1 }

type fakeSocket struct {
	drv *fakeDriver

	mu   sync.Mutex
	sent []string
}

func (f *fakeSocket) Driver() whatsapp.SocketDriver { return f.drv }

func (f *fakeSocket) Send(_ context.Context, _ string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.Text)
	return &whatsapp.SendReceipt{MessageID: "OUT"}, nil
}

func (f *fakeSocket) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeUsers conta lookups para verificar o cache de permissões
type fakeUsers struct {
	mu       sync.Mutex
	settings map[string]*user.Settings
	lookups  int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{settings: make(map[string]*user.Settings)}
}

func (f *fakeUsers) Get(_ context.Context, userID string) (*user.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	s, ok := f.settings[userID]
	if !ok {
		return nil, user.ErrSettingsNotFound
	}
	return s, nil
}

func (f *fakeUsers) GetOrDefault(ctx context.Context, userID string) (*user.Settings, error) {
	s, err := f.Get(ctx, userID)
	if errors.Is(err, user.ErrSettingsNotFound) {
		return user.DefaultSettings(userID), nil
	}
	return s, err
}

func (f *fakeUsers) Upsert(_ context.Context, s *user.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[s.UserID] = s
	return nil
}

func (f *fakeUsers) SetBotMode(ctx context.Context, userID string, mode user.BotMode) error {
	s, _ := f.GetOrDefault(ctx, userID)
	s.BotMode = mode
	return f.Upsert(ctx, s)
}

func (f *fakeUsers) SetVIP(ctx context.Context, userID string, vip bool, until *time.Time) error {
	s, _ := f.GetOrDefault(ctx, userID)
	s.IsVIP = vip
	s.VIPUntil = until
	return f.Upsert(ctx, s)
}

func (f *fakeUsers) SetGroupsEnabled(ctx context.Context, userID string, enabled bool) error {
	s, _ := f.GetOrDefault(ctx, userID)
	s.GroupsEnabled = enabled
	return f.Upsert(ctx, s)
}

func (f *fakeUsers) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	users      *fakeUsers
	ledger     *dedup.Ledger
	sess       *sessiondomain.Session
	sock       *fakeSocket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.SetupForTesting()

	registry := NewRegistry(log)
	t.Cleanup(registry.Close)

	ledger := dedup.NewLedger(dedup.DefaultOptions(), log)
	t.Cleanup(ledger.Stop)

	users := newFakeUsers()
	d := NewDispatcher(registry, ledger, cache.NewGroupCache(log), users, "!", log)
	t.Cleanup(d.Close)

	return &fixture{
		dispatcher: d,
		registry:   registry,
		users:      users,
		ledger:     ledger,
		sess:       &sessiondomain.Session{ID: "session_1", UserID: "1"},
		sock: &fakeSocket{drv: &fakeDriver{
			jid: "5511999999999:12@s.whatsapp.net",
		}},
	}
}

func creatorMessage(text string) *message.Message {
	return &message.Message{
		Key:       message.Key{ChatJID: "5511888888888@s.whatsapp.net", ID: "MSG1"},
		SenderJID: "5511999999999@s.whatsapp.net",
		Text:      text,
		IsFromMe:  true,
	}
}

func strangerMessage(text string) *message.Message {
	return &message.Message{
		Key:       message.Key{ChatJID: "5511888888888@s.whatsapp.net", ID: "MSG2"},
		SenderJID: "5511777777777@s.whatsapp.net",
		Text:      text,
	}
}

func TestParseCommand(t *testing.T) {
	f := newFixture(t)

	cmd, args := f.dispatcher.parseCommand("!ping arg1 arg2")
	assert.Equal(t, "ping", cmd)
	assert.Equal(t, []string{"arg1", "arg2"}, args)

	cmd, _ = f.dispatcher.parseCommand("!PING")
	assert.Equal(t, "ping", cmd)

	cmd, _ = f.dispatcher.parseCommand("!")
	assert.Empty(t, cmd)
}

func TestCommandExecutesForCreator(t *testing.T) {
	f := newFixture(t)

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Category: plugin.CategoryMain,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			executed++
			return env.Reply(ctx, "pong")
		},
	})

	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!ping"))
	assert.Equal(t, 1, executed)
	assert.Equal(t, []string{"pong"}, f.sock.sentTexts())
}

func TestUnknownCommandIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!nonexistent"))
	assert.Empty(t, f.sock.sentTexts())
}

func TestSelfModeBlocksStrangers(t *testing.T) {
	f := newFixture(t)

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})

	// Modo padrão é self: estranhos não acionam comandos
	f.dispatcher.handleMessage(f.sess, f.sock, strangerMessage("!ping"))
	assert.Equal(t, 0, executed)

	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))
	f.dispatcher.handleMessage(f.sess, f.sock, strangerMessage("!ping"))
	assert.Equal(t, 1, executed)
}

func TestBannedUserIsDropped(t *testing.T) {
	f := newFixture(t)

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})

	settings := user.DefaultSettings("1")
	settings.Banned = true
	require.NoError(t, f.users.Upsert(context.Background(), settings))

	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!ping"))
	assert.Equal(t, 0, executed)
}

func TestGroupOnlyCommandOutsideGroup(t *testing.T) {
	f := newFixture(t)

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:        "promote",
		Commands:  []string{"promote"},
		Category:  plugin.CategoryGroup,
		GroupOnly: true,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})

	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!promote"))
	assert.Equal(t, 0, executed)
	// O criador recebe o aviso informativo
	assert.Equal(t, []string{"Este comando só funciona em grupos."}, f.sock.sentTexts())
}

func TestDBMutatingCommandRunsOnceAcrossSessions(t *testing.T) {
	f := newFixture(t)

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:         "setwelcome",
		Commands:   []string{"setwelcome"},
		DBMutating: true,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})

	msg := creatorMessage("!setwelcome oi")
	f.dispatcher.handleMessage(f.sess, f.sock, msg)

	// Segunda sessão hospedada observa a mesma mensagem
	otherSess := &sessiondomain.Session{ID: "session_2", UserID: "2"}
	otherSock := &fakeSocket{drv: &fakeDriver{jid: "5511999999999:99@s.whatsapp.net"}}
	f.dispatcher.handleMessage(otherSess, otherSock, msg)

	assert.Equal(t, 1, executed, "db-mutating command must apply once per message")
}

func TestDBMutatingCommandNotReappliedAfterSlowExecution(t *testing.T) {
	log := logger.SetupForTesting()

	registry := NewRegistry(log)
	t.Cleanup(registry.Close)

	// Lock envelhece bem antes do comando terminar
	opts := dedup.DefaultOptions()
	opts.LockTTL = 20 * time.Millisecond
	ledger := dedup.NewLedger(opts, log)
	t.Cleanup(ledger.Stop)

	users := newFakeUsers()
	d := NewDispatcher(registry, ledger, cache.NewGroupCache(log), users, "!", log)
	t.Cleanup(d.Close)

	var mu sync.Mutex
	executed := 0
	registry.Register(&plugin.Plugin{
		ID:         "setwelcome",
		Commands:   []string{"setwelcome"},
		DBMutating: true,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			mu.Lock()
			executed++
			mu.Unlock()
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	})

	msg := creatorMessage("!setwelcome oi")
	sess := &sessiondomain.Session{ID: "session_1", UserID: "1"}
	sock := &fakeSocket{drv: &fakeDriver{jid: "5511999999999:12@s.whatsapp.net"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleMessage(sess, sock, msg)
	}()

	// A segunda sessão observa a mensagem com o lock já envelhecido,
	// mas a conclusão foi marcada antes da execução começar
	time.Sleep(100 * time.Millisecond)
	otherSess := &sessiondomain.Session{ID: "session_2", UserID: "2"}
	otherSock := &fakeSocket{drv: &fakeDriver{jid: "5511999999999:99@s.whatsapp.net"}}
	d.handleMessage(otherSess, otherSock, msg)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, executed, "slow db-mutating command must not reapply after lock age-out")
}

func groupStrangerMessage(text string) *message.Message {
	return &message.Message{
		Key:       message.Key{ChatJID: "123@g.us", ID: "MSG5"},
		SenderJID: "5511777777777@s.whatsapp.net",
		Text:      text,
		IsGroup:   true,
	}
}

func TestGroupsDisabledDropsCommandsInGroups(t *testing.T) {
	f := newFixture(t)
	f.sock.drv.meta = &group.Metadata{
		ID:      "123@g.us",
		Subject: "Grupo",
		Participants: []group.Participant{
			{ID: "5511777777777@s.whatsapp.net", PhoneNumber: "5511777777777", Admin: group.RoleMember},
		},
	}

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Category: plugin.CategoryMain,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})
	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))

	// Atendimento em grupos desligado por padrão: o comando cai em
	// silêncio para quem não é admin nem criador
	f.dispatcher.handleMessage(f.sess, f.sock, groupStrangerMessage("!ping"))
	assert.Equal(t, 0, executed)
	assert.Empty(t, f.sock.sentTexts())

	require.NoError(t, f.users.SetGroupsEnabled(context.Background(), "1", true))
	msg := groupStrangerMessage("!ping")
	msg.Key.ID = "MSG6"
	f.dispatcher.handleMessage(f.sess, f.sock, msg)
	assert.Equal(t, 1, executed)
}

func TestGroupsDisabledInformsAdmins(t *testing.T) {
	f := newFixture(t)

	f.sock.drv.meta = &group.Metadata{
		ID:      "123@g.us",
		Subject: "Grupo",
		Participants: []group.Participant{
			{ID: "5511777777777@s.whatsapp.net", PhoneNumber: "5511777777777", Admin: group.RoleAdmin},
		},
	}

	executed := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "ping",
		Commands: []string{"ping"},
		Category: plugin.CategoryMain,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			executed++
			return nil
		},
	})
	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))

	f.dispatcher.handleMessage(f.sess, f.sock, groupStrangerMessage("!ping"))
	assert.Equal(t, 0, executed)

	texts := f.sock.sentTexts()
	require.Len(t, texts, 1, "admins get the informational reply")
	assert.Contains(t, texts[0], "grupos")
}

func TestModeCommandPassesGroupsGate(t *testing.T) {
	f := newFixture(t)
	f.sock.drv.meta = &group.Metadata{ID: "123@g.us", Subject: "Grupo"}

	f.registry.Register(&plugin.Plugin{
		ID:          "groups",
		Commands:    []string{"groups"},
		OwnerOnly:   true,
		ModeCommand: true,
		DBMutating:  true,
		Execute: func(ctx context.Context, env *plugin.CommandEnv) error {
			return f.users.SetGroupsEnabled(ctx, env.UserID, true)
		},
	})

	// O dono religa o atendimento de dentro do próprio grupo
	msg := creatorMessage("!groups on")
	msg.Key.ChatJID = "123@g.us"
	msg.IsGroup = true
	f.dispatcher.handleMessage(f.sess, f.sock, msg)

	settings, err := f.users.GetOrDefault(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, settings.GroupsEnabled)
}

func TestGroupMenuRetriesDatabaseErrors(t *testing.T) {
	f := newFixture(t)

	calls := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "groupcfg",
		Commands: []string{"groupcfg"},
		Category: plugin.CategoryGroup,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			calls++
			if calls < 3 {
				return errors.New("database connection lost")
			}
			return nil
		},
	})

	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!groupcfg"))
	assert.Equal(t, 3, calls, "two retries after the initial failure")
}

func TestGroupMenuDoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture(t)

	calls := 0
	f.registry.Register(&plugin.Plugin{
		ID:       "groupcfg",
		Commands: []string{"groupcfg"},
		Category: plugin.CategoryGroup,
		Execute: func(context.Context, *plugin.CommandEnv) error {
			calls++
			return errors.New("boom")
		},
	})

	f.dispatcher.handleMessage(f.sess, f.sock, creatorMessage("!groupcfg"))
	assert.Equal(t, 1, calls)
}

func TestVIPCommandDeniedWithMessage(t *testing.T) {
	f := newFixture(t)

	f.registry.Register(&plugin.Plugin{
		ID:       "vipcmd",
		Commands: []string{"vipcmd"},
		Category: plugin.CategoryVIP,
		VIPOnly:  true,
		Execute:  func(context.Context, *plugin.CommandEnv) error { return nil },
	})
	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))

	f.dispatcher.handleMessage(f.sess, f.sock, strangerMessage("!vipcmd"))
	texts := f.sock.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "VIP")
}

func TestGroupDenyReplyIsDeduplicated(t *testing.T) {
	f := newFixture(t)

	meta := &group.Metadata{
		ID:      "123@g.us",
		Subject: "Grupo",
		Participants: []group.Participant{
			{ID: "5511777777777@s.whatsapp.net", PhoneNumber: "5511777777777", Admin: group.RoleMember},
		},
	}
	f.sock.drv.meta = meta

	f.registry.Register(&plugin.Plugin{
		ID:        "kick",
		Commands:  []string{"kick"},
		Category:  plugin.CategoryGroup,
		AdminOnly: true,
		Execute:   func(context.Context, *plugin.CommandEnv) error { return nil },
	})
	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))
	require.NoError(t, f.users.SetBotMode(context.Background(), "2", user.BotModePublic))
	require.NoError(t, f.users.SetGroupsEnabled(context.Background(), "1", true))
	require.NoError(t, f.users.SetGroupsEnabled(context.Background(), "2", true))

	msg := &message.Message{
		Key:       message.Key{ChatJID: "123@g.us", ID: "MSG9"},
		SenderJID: "5511777777777@s.whatsapp.net",
		Text:      "!kick",
		IsGroup:   true,
	}
	f.dispatcher.handleMessage(f.sess, f.sock, msg)

	otherSess := &sessiondomain.Session{ID: "session_2", UserID: "2"}
	otherSock := &fakeSocket{drv: &fakeDriver{jid: "5511666666666@s.whatsapp.net", meta: meta}}
	f.dispatcher.handleMessage(otherSess, otherSock, msg)

	total := len(f.sock.sentTexts()) + len(otherSock.sentTexts())
	assert.Equal(t, 1, total, "only the first session should answer the deny")
}

func TestAntiPluginScanRunsOncePerMessage(t *testing.T) {
	f := newFixture(t)

	scans := 0
	f.registry.Register(&plugin.Plugin{
		ID: "antilink",
		ProcessMessage: func(context.Context, *plugin.ScanEnv) error {
			scans++
			return nil
		},
		ShouldProcess: func(msg *message.Message) bool {
			return msg.Text != ""
		},
	})

	msg := strangerMessage("https://example.com")
	f.dispatcher.handleMessage(f.sess, f.sock, msg)

	otherSess := &sessiondomain.Session{ID: "session_2", UserID: "2"}
	otherSock := &fakeSocket{drv: &fakeDriver{jid: "5511666666666@s.whatsapp.net"}}
	f.dispatcher.handleMessage(otherSess, otherSock, msg)

	assert.Equal(t, 1, scans, "anti scan must be locked per (chat, message, plugin)")
}

func TestAntiPluginRespectsIsEnabled(t *testing.T) {
	f := newFixture(t)

	scans := 0
	f.registry.Register(&plugin.Plugin{
		ID: "antilink",
		ProcessMessage: func(context.Context, *plugin.ScanEnv) error {
			scans++
			return nil
		},
		IsEnabled: func(chatJID string) bool { return false },
	})

	f.dispatcher.handleMessage(f.sess, f.sock, strangerMessage("oi"))
	assert.Equal(t, 0, scans)
}

func TestPermissionDecisionIsCached(t *testing.T) {
	f := newFixture(t)

	f.registry.Register(&plugin.Plugin{
		ID:       "vipcmd",
		Commands: []string{"vipcmd"},
		VIPOnly:  true,
		Execute:  func(context.Context, *plugin.CommandEnv) error { return nil },
	})
	require.NoError(t, f.users.SetBotMode(context.Background(), "1", user.BotModePublic))

	msg := strangerMessage("!vipcmd")
	f.dispatcher.handleMessage(f.sess, f.sock, msg)
	before := f.users.lookupCount()

	msg2 := strangerMessage("!vipcmd")
	msg2.Key.ID = "MSG3"
	f.dispatcher.handleMessage(f.sess, f.sock, msg2)

	// O gate de modo consulta uma vez por mensagem; a avaliação VIP em si
	// não repete a consulta dentro do TTL
	assert.Equal(t, before+1, f.users.lookupCount())
}

func TestSenderIsCreator(t *testing.T) {
	botJID := "5511999999999:12@s.whatsapp.net"

	assert.True(t, senderIsCreator(&message.Message{IsFromMe: true}, botJID))
	assert.True(t, senderIsCreator(&message.Message{SenderJID: "5511999999999@s.whatsapp.net"}, botJID))
	assert.True(t, senderIsCreator(&message.Message{SenderPhone: "5511999999999"}, botJID))
	assert.False(t, senderIsCreator(&message.Message{SenderJID: "5511777777777@s.whatsapp.net"}, botJID))
	assert.False(t, senderIsCreator(&message.Message{SenderJID: "5511999999999@s.whatsapp.net"}, ""))
}
