package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"nexusbot/internal/domain/session"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/authstore"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/whatsapp/connection"
	"nexusbot/internal/infra/whatsapp/driver"
	"nexusbot/pkg/logger"
	"nexusbot/pkg/ratebucket"
)

// ============================================================================
// TYPES AND INTERFACES
// Registro de sessões ativas, ciclo de vida e monitor de saúde
// ============================================================================

// HandlerInstaller instala os handlers completos de eventos de uma
// sessão recém-aberta. Implementado pelo dispatcher; a instalação
// acontece uma única vez por sessão.
type HandlerInstaller interface {
	InstallHandlers(sess *session.Session, sock *Socket)
}

// Notifier entrega a notificação one-shot de conexão para o bot de
// controle de sessões originadas no telegram
type Notifier interface {
	NotifyConnected(ctx context.Context, sess *session.Session)
}

// Options configura o gerenciador de sessões
type Options struct {
	// SyncWait é a espera entre a abertura da conexão e o flush dos
	// eventos em buffer, dando tempo do MessageStore consumir o sync
	// inicial
	SyncWait time.Duration
	// SweepPeriod é o intervalo do monitor de saúde
	SweepPeriod time.Duration
	// ProbeIdleAfter marca sessões sem mensagens há mais tempo que isso
	// para um probe de liveness
	ProbeIdleAfter time.Duration
	// AuxDropAfter descarta o estado auxiliar em memória de sessões
	// inativas há mais tempo que isso
	AuxDropAfter time.Duration
	// ChannelJID é o canal a entrar automaticamente após conectar;
	// vazio desliga o side-effect
	ChannelJID string
}

// DefaultOptions retorna os parâmetros padrão do gerenciador
func DefaultOptions() Options {
	return Options{
		SyncWait:       3 * time.Second,
		SweepPeriod:    5 * time.Minute,
		ProbeIdleAfter: 30 * time.Minute,
		AuxDropAfter:   10 * time.Minute,
	}
}

// Stats agrega o estado do registro para a superfície administrativa
type Stats struct {
	Total      int            `json:"total"`
	Connected  int            `json:"connected"`
	Connecting int            `json:"connecting"`
	Sessions   []SessionStats `json:"sessions"`
}

// SessionStats resume uma sessão individual
type SessionStats struct {
	SessionID     string     `json:"sessionId"`
	UserID        string     `json:"userId"`
	Source        string     `json:"source"`
	Status        string     `json:"status"`
	Connected     bool       `json:"connected"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// Manager é o dono do registro de sessões: cria, restaura, desconecta e
// limpa sessões, e roda o monitor de saúde. Somente o Manager muta o
// registro; leitores recebem snapshots.
type Manager struct {
	repo        session.Repository
	connections *connection.Manager
	auth        *authstore.Store
	factory     *driver.Factory
	groups      *cache.GroupCache
	bucket      *ratebucket.Bucket
	installer   HandlerInstaller
	notifier    Notifier
	joiner      *ChannelJoiner
	opts        Options
	log         logger.Logger

	mu       sync.RWMutex
	sockets  map[string]*Socket
	creating map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ============================================================================
// CONSTRUCTOR
// ============================================================================

// NewManager cria o gerenciador de sessões e inicia o monitor de saúde
// e o batcher de entrada em canal
func NewManager(
	repo session.Repository,
	connections *connection.Manager,
	auth *authstore.Store,
	factory *driver.Factory,
	groups *cache.GroupCache,
	bucket *ratebucket.Bucket,
	installer HandlerInstaller,
	notifier Notifier,
	opts Options,
	log logger.Logger,
) *Manager {
	m := &Manager{
		repo:        repo,
		connections: connections,
		auth:        auth,
		factory:     factory,
		groups:      groups,
		bucket:      bucket,
		installer:   installer,
		notifier:    notifier,
		joiner:      NewChannelJoiner(log),
		opts:        opts,
		log:         log.WithComponent("session-manager"),
		sockets:     make(map[string]*Socket),
		creating:    make(map[string]struct{}),
		stop:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.healthLoop()
	return m
}

// ============================================================================
// LIFECYCLE API
// ============================================================================

// CreateSession cria (ou reaproveita) a sessão do usuário e inicia a
// conexão. Com allowPairing ligado e sem credenciais válidas, o
// pareamento por código é disparado.
func (m *Manager) CreateSession(ctx context.Context, userID, phoneNumber string, source session.Source, allowPairing bool) (*Socket, error) {
	sessionID := session.SessionID(userID)

	// A reserva em creating fecha a janela entre a checagem do registro
	// e a inserção do socket; duas criações simultâneas para o mesmo
	// usuário nunca passam juntas
	m.mu.Lock()
	if _, exists := m.sockets[sessionID]; exists {
		m.mu.Unlock()
		return nil, session.ErrSessionAlreadyExists
	}
	if _, inflight := m.creating[sessionID]; inflight {
		m.mu.Unlock()
		return nil, session.ErrSessionConnecting
	}
	m.creating[sessionID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, sessionID)
		m.mu.Unlock()
	}()

	sess, err := m.loadOrCreateRow(ctx, sessionID, userID, phoneNumber, source)
	if err != nil {
		return nil, err
	}

	sess.SetConnecting()
	if err := m.repo.UpdateStatus(ctx, sessionID, session.StatusConnecting, false, sess.ReconnectAttempts); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to persist connecting status")
	}
	if err := m.repo.SetVoluntarilyDisconnected(ctx, sessionID, false); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to clear voluntary disconnect flag")
	}

	sock := newSocket(sessionID, sess, m.bucket, m.repo, m.log)

	callbacks := connection.Callbacks{
		OnOpen: func() { m.onOpen(sock) },
		OnClose: func(code whatsapp.DisconnectCode, decision connection.Decision) {
			m.onClose(sock, code, decision)
		},
		OnPairingCode: sock.setPairingCode,
	}

	conn, err := m.connections.CreateConnection(ctx, sess, callbacks, allowPairing)
	if err != nil {
		return nil, err
	}
	sock.attach(conn)

	m.mu.Lock()
	m.sockets[sessionID] = sock
	m.mu.Unlock()

	m.log.Info().
		Str("sessionId", sessionID).
		Str("source", string(source)).
		Bool("allowPairing", allowPairing).
		Msg("Session created")
	return sock, nil
}

// GetSession retorna o socket da sessão, nil se não estiver ativa
func (m *Manager) GetSession(sessionID string) *Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sockets[sessionID]
}

// DisconnectSession derruba a sessão voluntariamente. Com forceCleanup,
// credenciais e registro também são removidos.
func (m *Manager) DisconnectSession(ctx context.Context, sessionID string, forceCleanup bool) error {
	m.mu.Lock()
	sock, exists := m.sockets[sessionID]
	delete(m.sockets, sessionID)
	m.mu.Unlock()

	if !exists && !forceCleanup {
		return session.ErrSessionNotFound
	}

	if err := m.repo.SetVoluntarilyDisconnected(ctx, sessionID, true); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to persist voluntary disconnect flag")
	}

	m.connections.Disconnect(sessionID)

	if err := m.repo.UpdateStatus(ctx, sessionID, session.StatusDisconnected, false, 0); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to persist disconnected status")
	}

	if forceCleanup {
		return m.PerformCompleteUserCleanup(ctx, sessionID)
	}

	if sock != nil {
		m.log.Info().Str("sessionId", sessionID).Msg("Session disconnected")
	}
	return nil
}

// PerformCompleteUserCleanup remove tudo que pertence à sessão: socket,
// credenciais nos dois níveis, device e, para origem web, o registro
func (m *Manager) PerformCompleteUserCleanup(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sockets, sessionID)
	m.mu.Unlock()

	m.connections.Disconnect(sessionID)

	sess, err := m.repo.GetByID(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	if cleanupErr := m.auth.Cleanup(ctx, sessionID); cleanupErr != nil {
		m.log.WithError(cleanupErr).Warn().Str("sessionId", sessionID).Msg("Auth cleanup failed")
	}

	if sess != nil {
		if sess.WaJID != "" {
			if delErr := m.factory.DeleteDevice(ctx, sess.WaJID); delErr != nil {
				m.log.WithError(delErr).Warn().Str("sessionId", sessionID).Msg("Device deletion failed")
			}
		}
		// Sessões telegram mantêm o registro para re-pareamento
		if sess.Source == session.SourceWeb {
			if delErr := m.repo.Delete(ctx, sessionID); delErr != nil {
				m.log.WithError(delErr).Warn().Str("sessionId", sessionID).Msg("Session row deletion failed")
			}
		}
	}

	m.log.Info().Str("sessionId", sessionID).Msg("Complete user cleanup finished")
	return nil
}

// IsReallyConnected verifica a conexão de fato no transporte, não só o
// status persistido
func (m *Manager) IsReallyConnected(sessionID string) bool {
	sock := m.GetSession(sessionID)
	if sock == nil {
		return false
	}
	drv := sock.Driver()
	return drv != nil && drv.IsConnected() && drv.IsLoggedIn()
}

// GetStats retorna um snapshot do registro
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Sessions: make([]SessionStats, 0, len(m.sockets))}
	for id, sock := range m.sockets {
		stats.Total++
		connected := false
		if drv := sock.Driver(); drv != nil {
			connected = drv.IsConnected() && drv.IsLoggedIn()
		}
		if connected {
			stats.Connected++
		} else {
			stats.Connecting++
		}

		sess := sock.Session()
		entry := SessionStats{
			SessionID: id,
			Connected: connected,
		}
		if sess != nil {
			entry.UserID = sess.UserID
			entry.Source = string(sess.Source)
			entry.Status = string(sess.ConnectionStatus)
			entry.LastMessageAt = sess.LastMessageAt
		}
		stats.Sessions = append(stats.Sessions, entry)
	}
	return stats
}

// RestoreSessions reconecta no boot as sessões que não foram
// desconectadas voluntariamente
func (m *Manager) RestoreSessions(ctx context.Context) {
	sessions, err := m.repo.List(ctx)
	if err != nil {
		m.log.WithError(err).Error().Msg("Failed to list sessions for restore")
		return
	}

	restored := 0
	for _, sess := range sessions {
		if sess.VoluntarilyDisconnected || sess.WaJID == "" {
			continue
		}
		if _, err := m.CreateSession(ctx, sess.UserID, sess.PhoneNumber, sess.Source, false); err != nil {
			m.log.WithError(err).Warn().Str("sessionId", sess.ID).Msg("Session restore failed")
			continue
		}
		restored++
	}

	m.log.Info().
		Int("total", len(sessions)).
		Int("restored", restored).
		Msg("Session restore completed")
}

// Shutdown fecha todos os sockets em paralelo e para os timers
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, sock := range m.sockets {
		sockets = append(sockets, sock)
	}
	m.sockets = make(map[string]*Socket)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sock := range sockets {
		wg.Add(1)
		go func(s *Socket) {
			defer wg.Done()
			m.connections.Disconnect(s.SessionID)
		}(sock)
	}
	wg.Wait()

	m.joiner.Close()
	m.wg.Wait()

	m.log.Info().Int("sessions", len(sockets)).Msg("Session manager shut down")
}

// ============================================================================
// CONNECTION LIFECYCLE HOOKS
// ============================================================================

// onOpen executa a sequência pós-conexão. O flush dos eventos em buffer
// só acontece depois da espera pelo sync inicial do MessageStore.
func (m *Manager) onOpen(sock *Socket) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionID := sock.SessionID
	sock.touchActivity()
	sock.clearPairingCode()

	if err := m.repo.SetVoluntarilyDisconnected(ctx, sessionID, false); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to clear voluntary disconnect flag")
	}
	if err := m.repo.UpdateLastMessageAt(ctx, sessionID); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to persist activity timestamp")
	}

	sess := sock.Session()
	drv := sock.Driver()
	if drv == nil {
		return
	}

	sock.installOnce.Do(func() {
		// Atividade em memória acompanha as mensagens recebidas
		drv.AddEventHandler(func(evt any) {
			if _, ok := evt.(*whatsapp.MessagesUpsert); ok {
				sock.touchActivity()
			}
		})
		m.groups.BindInvalidation(drv, drv)
		if m.installer != nil {
			m.installer.InstallHandlers(sess, sock)
		}
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.opts.SyncWait):
		case <-m.stop:
			return
		}
		drv.FlushBufferedEvents()
		m.log.Debug().Str("sessionId", sessionID).Msg("Buffered events flushed after initial sync wait")
	}()

	if m.notifier != nil && sess != nil && sess.Source == session.SourceTelegram {
		nctx, ncancel := context.WithTimeout(context.Background(), 15*time.Second)
		go func() {
			defer ncancel()
			m.notifier.NotifyConnected(nctx, sess)
		}()
	}

	if m.opts.ChannelJID != "" {
		m.joiner.Enqueue(sessionID, m.opts.ChannelJID, drv)
	}

	m.log.Info().Str("sessionId", sessionID).Msg("Session opened")
}

// onClose espelha o fechamento no registro. A decisão de reconectar já
// foi tomada pela classificação do gerenciador de conexões.
func (m *Manager) onClose(sock *Socket, code whatsapp.DisconnectCode, decision connection.Decision) {
	sessionID := sock.SessionID

	switch decision {
	case connection.DecisionLogout:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Credenciais morreram no servidor; os dois níveis são limpos.
		// Sessões web somem por inteiro, telegram fica para re-parear.
		if err := m.PerformCompleteUserCleanup(ctx, sessionID); err != nil {
			m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Cleanup after logout failed")
		}

	case connection.DecisionPermanent:
		m.mu.Lock()
		delete(m.sockets, sessionID)
		m.mu.Unlock()

		sess := sock.Session()
		if sess != nil && sess.Source == session.SourceWeb {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.repo.Delete(ctx, sessionID); err != nil {
				m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Session row deletion failed")
			}
		}
	}

	m.log.Info().
		Str("sessionId", sessionID).
		Int("code", int(code)).
		Msg("Session connection closed")
}

// ============================================================================
// HEALTH MONITOR
// ============================================================================

// healthLoop varre as sessões periodicamente: inatividade longa dispara
// probe de liveness, inatividade curta descarta estado auxiliar
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	sockets := make([]*Socket, 0, len(m.sockets))
	for _, sock := range m.sockets {
		sockets = append(sockets, sock)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, sock := range sockets {
		idle := now.Sub(sock.lastActivity())

		if idle > m.opts.ProbeIdleAfter {
			m.probe(sock)
		}
		if idle > m.opts.AuxDropAfter {
			sock.dropAuxState()
		}
	}
}

// probe confere a conexão real de uma sessão silenciosa há muito tempo
func (m *Manager) probe(sock *Socket) {
	drv := sock.Driver()
	if drv == nil {
		return
	}
	if drv.IsConnected() && drv.IsLoggedIn() {
		return
	}

	m.log.Warn().Str("sessionId", sock.SessionID).Msg("Liveness probe found dead connection, cycling socket")
	drv.Disconnect()
	if err := drv.Connect(); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sock.SessionID).Msg("Probe reconnect failed")
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// loadOrCreateRow busca o registro da sessão ou cria um novo
func (m *Manager) loadOrCreateRow(ctx context.Context, sessionID, userID, phoneNumber string, source session.Source) (*session.Session, error) {
	sess, err := m.repo.GetByID(ctx, sessionID)
	if err == nil {
		if phoneNumber != "" && sess.PhoneNumber != phoneNumber {
			sess.PhoneNumber = phoneNumber
			if updErr := m.repo.Update(ctx, sess); updErr != nil {
				m.log.WithError(updErr).Warn().Str("sessionId", sessionID).Msg("Failed to update phone number")
			}
		}
		return sess, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now()
	sess = &session.Session{
		ID:               sessionID,
		UserID:           userID,
		PhoneNumber:      phoneNumber,
		Source:           source,
		ConnectionStatus: session.StatusDisconnected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
