package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"nexusbot/internal/domain/session"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/authstore"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/whatsapp/driver"
	"nexusbot/pkg/logger"
)

// Decision é o veredito da classificação de uma desconexão
type Decision int

const (
	// DecisionReconnect agenda reconexão com backoff
	DecisionReconnect Decision = iota
	// DecisionRestart reconecta imediatamente (fluxo 515 pós-pareamento)
	DecisionRestart
	// DecisionPermanent encerra sem reconexão
	DecisionPermanent
	// DecisionLogout encerra e invalida as credenciais da sessão
	DecisionLogout
)

// Callbacks notifica o dono da sessão sobre o ciclo de vida da conexão
type Callbacks struct {
	// OnOpen dispara quando o transporte abre autenticado
	OnOpen func()
	// OnClose dispara em toda desconexão, com o veredito tomado
	OnClose func(code whatsapp.DisconnectCode, decision Decision)
	// OnPairingCode entrega o código de pareamento gerado
	OnPairingCode func(code string)
}

// Options configura o gerenciador de conexões
type Options struct {
	// Enable515Flow ativa a reconexão imediata no stream error 515
	// que o servidor emite após um pareamento novo
	Enable515Flow bool
	// ConnectTimeout é o timer duro de uma conexão pendente
	ConnectTimeout time.Duration
	// BaseBackoff e MaxBackoff delimitam o backoff exponencial
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PairingWait limita a espera pelo transporte antes de pedir o código
	PairingWait time.Duration
	// PairingPoll é o intervalo de poll do estado do transporte
	PairingPoll time.Duration
	// PairingGrace é o período em que creds parciais são aceitas
	PairingGrace time.Duration
}

// DefaultOptions retorna os parâmetros padrão
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 2 * time.Minute,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     60 * time.Second,
		PairingWait:    30 * time.Second,
		PairingPoll:    100 * time.Millisecond,
		PairingGrace:   5 * time.Minute,
	}
}

// Connection agrupa o socket de uma sessão com seus anexos: o handle de
// credenciais e o índice de mensagens usado nos retries de decriptação
type Connection struct {
	SessionID string
	Driver    *driver.Driver
	Handle    *authstore.Handle
	Messages  *cache.MessageStore

	callbacks Callbacks
	voluntary bool
}

// Manager constrói sockets, classifica desconexões e agenda reconexões.
// O SessionManager é o dono do ciclo de vida; este gerenciador só decide
// quando e como reconectar.
type Manager struct {
	factory  *driver.Factory
	auth     *authstore.Store
	sessions session.Repository
	opts     Options
	log      logger.Logger

	mu              sync.Mutex
	connections     map[string]*Connection
	reconnectTimers map[string]*time.Timer
	connectTimers   map[string]*time.Timer
	pairing         map[string]time.Time
}

// NewManager cria o gerenciador de conexões
func NewManager(factory *driver.Factory, auth *authstore.Store, sessions session.Repository, opts Options, log logger.Logger) *Manager {
	return &Manager{
		factory:         factory,
		auth:            auth,
		sessions:        sessions,
		opts:            opts,
		log:             log.WithComponent("connection-manager"),
		connections:     make(map[string]*Connection),
		reconnectTimers: make(map[string]*time.Timer),
		connectTimers:   make(map[string]*time.Timer),
		pairing:         make(map[string]time.Time),
	}
}

// CreateConnection monta o socket de uma sessão e inicia a conexão.
// Quando allowPairing está ligado e não há credenciais registradas, o
// pareamento por código é agendado em background.
func (m *Manager) CreateConnection(ctx context.Context, sess *session.Session, callbacks Callbacks, allowPairing bool) (*Connection, error) {
	sessionID := sess.ID

	handle, err := m.auth.Open(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth for %s: %w", sessionID, err)
	}

	drv, err := m.factory.ForSession(ctx, sessionID, sess.WaJID)
	if err != nil {
		handle.Close()
		return nil, err
	}

	if !allowPairing && !drv.IsLoggedIn() && !m.auth.HasValid(sessionID) {
		handle.Close()
		return nil, fmt.Errorf("%w: session %s", whatsapp.ErrNoValidAuth, sessionID)
	}

	msgStore := cache.NewMessageStore()
	msgStore.Bind(drv)
	drv.SetGetMessage(msgStore.GetMessageFunc())

	conn := &Connection{
		SessionID: sessionID,
		Driver:    drv,
		Handle:    handle,
		Messages:  msgStore,
		callbacks: callbacks,
	}

	drv.AddEventHandler(func(evt any) {
		switch e := evt.(type) {
		case *whatsapp.CredsUpdate:
			m.persistCreds(conn)
		case *whatsapp.ConnectionUpdate:
			m.handleConnectionUpdate(conn, e)
		}
	})

	m.mu.Lock()
	m.connections[sessionID] = conn
	m.mu.Unlock()

	needsPairing := allowPairing && !drv.IsLoggedIn()
	if needsPairing {
		m.markPairing(sessionID, handle)
	}

	if needsPairing && sess.PhoneNumber == "" {
		// O canal de QR precisa ser coletado antes do Connect, então o
		// fluxo de QR abre o socket por conta própria
		if err := drv.StartQRLogin(context.Background()); err != nil {
			m.removeConnection(sessionID)
			handle.Close()
			return nil, fmt.Errorf("failed to start QR login for %s: %w", sessionID, err)
		}
	} else {
		if err := drv.Connect(); err != nil {
			m.removeConnection(sessionID)
			handle.Close()
			return nil, fmt.Errorf("failed to connect %s: %w", sessionID, err)
		}
		if needsPairing {
			go m.schedulePairing(conn, sess.PhoneNumber)
		}
	}

	m.armConnectTimer(conn)

	m.log.Info().
		Str("sessionId", sessionID).
		Bool("allowPairing", allowPairing).
		Msg("Connection initiated")
	return conn, nil
}

// Get retorna a conexão viva da sessão, se houver
func (m *Manager) Get(sessionID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[sessionID]
}

// Disconnect derruba a conexão voluntariamente; nenhuma reconexão é
// agendada
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	conn := m.connections[sessionID]
	if conn != nil {
		conn.voluntary = true
	}
	m.mu.Unlock()

	m.cancelTimers(sessionID)
	if conn == nil {
		return
	}

	conn.Driver.Disconnect()
	m.removeConnection(sessionID)
	conn.Handle.Close()

	m.log.Info().Str("sessionId", sessionID).Msg("Connection closed voluntarily")
}

// Close encerra todas as conexões e timers
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conn.voluntary = true
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	for id, t := range m.reconnectTimers {
		t.Stop()
		delete(m.reconnectTimers, id)
	}
	for id, t := range m.connectTimers {
		t.Stop()
		delete(m.connectTimers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Driver.Disconnect()
			c.Handle.Close()
		}(conn)
	}
	wg.Wait()

	m.log.Info().Int("connections", len(conns)).Msg("Connection manager closed")
}

// handleConnectionUpdate reage às transições de estado do transporte
func (m *Manager) handleConnectionUpdate(conn *Connection, evt *whatsapp.ConnectionUpdate) {
	switch evt.State {
	case whatsapp.StateOpen:
		m.onOpen(conn)
	case whatsapp.StateClosed:
		m.onClose(conn, evt.Code)
	}
}

func (m *Manager) onOpen(conn *Connection) {
	m.cancelTimers(conn.SessionID)
	m.clearPairing(conn.SessionID, conn.Handle)
	m.persistCreds(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.sessions.UpdateStatus(ctx, conn.SessionID, session.StatusConnected, true, 0); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", conn.SessionID).Msg("Failed to persist connected status")
	}
	if jid := conn.Driver.UserJID(); jid != "" {
		if err := m.sessions.UpdateWhatsAppJID(ctx, conn.SessionID, jid); err != nil {
			m.log.WithError(err).Warn().Str("sessionId", conn.SessionID).Msg("Failed to persist WhatsApp JID")
		}
	}

	if conn.callbacks.OnOpen != nil {
		conn.callbacks.OnOpen()
	}
}

func (m *Manager) onClose(conn *Connection, code whatsapp.DisconnectCode) {
	m.mu.Lock()
	voluntary := conn.voluntary
	m.mu.Unlock()
	if voluntary {
		return
	}

	decision := m.classify(conn.SessionID, code)
	m.log.Warn().
		Str("sessionId", conn.SessionID).
		Int("code", int(code)).
		Int("decision", int(decision)).
		Msg("Connection closed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch decision {
	case DecisionReconnect:
		attempts := m.bumpReconnectAttempts(ctx, conn.SessionID)
		m.scheduleReconnect(conn, attempts)

	case DecisionRestart:
		// O servidor pede restart logo após um pareamento novo; a
		// reconexão imediata completa o registro
		if err := m.sessions.UpdateStatus(ctx, conn.SessionID, session.StatusConnecting, false, 0); err != nil {
			m.log.WithError(err).Warn().Str("sessionId", conn.SessionID).Msg("Failed to persist restart status")
		}
		go m.reconnect(conn)

	case DecisionPermanent, DecisionLogout:
		if err := m.sessions.UpdateStatus(ctx, conn.SessionID, session.StatusDisconnected, false, 0); err != nil {
			m.log.WithError(err).Warn().Str("sessionId", conn.SessionID).Msg("Failed to persist disconnected status")
		}
		m.removeConnection(conn.SessionID)
		m.cancelTimers(conn.SessionID)
	}

	if conn.callbacks.OnClose != nil {
		conn.callbacks.OnClose(code, decision)
	}
}

// classify aplica a tabela de decisão de desconexões
func (m *Manager) classify(sessionID string, code whatsapp.DisconnectCode) Decision {
	switch code {
	case whatsapp.CodeLoggedOut, whatsapp.CodeMultideviceError:
		return DecisionLogout

	case whatsapp.CodeRestartRequired:
		if m.opts.Enable515Flow {
			return DecisionRestart
		}
		return DecisionReconnect

	case whatsapp.CodeConnectionReplaced:
		// Login concorrente: reconectar depois do backoff disputa a
		// sessão de volta
		return DecisionReconnect

	case whatsapp.CodeTimedOut, whatsapp.CodeConnectionClosed, whatsapp.CodeUnavailable, whatsapp.CodeBadSession, 0:
		return DecisionReconnect
	}

	if code >= 400 && code < 500 {
		m.log.Warn().Str("sessionId", sessionID).Int("code", int(code)).Msg("Unrecoverable client error, giving up")
		return DecisionPermanent
	}
	return DecisionReconnect
}

// scheduleReconnect agenda a próxima tentativa com backoff exponencial e
// jitter
func (m *Manager) scheduleReconnect(conn *Connection, attempts int) {
	delay := m.backoffDelay(attempts)

	m.mu.Lock()
	if prev, ok := m.reconnectTimers[conn.SessionID]; ok {
		prev.Stop()
	}
	m.reconnectTimers[conn.SessionID] = time.AfterFunc(delay, func() { m.reconnect(conn) })
	m.mu.Unlock()

	m.log.Info().
		Str("sessionId", conn.SessionID).
		Int("attempts", attempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

func (m *Manager) reconnect(conn *Connection) {
	m.mu.Lock()
	delete(m.reconnectTimers, conn.SessionID)
	voluntary := conn.voluntary
	m.mu.Unlock()

	if voluntary {
		return
	}

	if err := conn.Driver.Connect(); err != nil {
		if errors.Is(err, whatsapp.ErrNotConnected) {
			return
		}
		m.log.WithError(err).Warn().Str("sessionId", conn.SessionID).Msg("Reconnect attempt failed")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		attempts := m.bumpReconnectAttempts(ctx, conn.SessionID)
		cancel()
		m.scheduleReconnect(conn, attempts)
		return
	}
	m.armConnectTimer(conn)
}

// backoffDelay calcula o atraso exponencial com jitter de até 20%
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.opts.BaseBackoff
	for i := 0; i < attempts && delay < m.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > m.opts.MaxBackoff {
		delay = m.opts.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	return delay + jitter
}

func (m *Manager) bumpReconnectAttempts(ctx context.Context, sessionID string) int {
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return 1
	}
	attempts := sess.ReconnectAttempts + 1
	if err := m.sessions.UpdateStatus(ctx, sessionID, session.StatusConnecting, false, attempts); err != nil {
		m.log.WithError(err).Warn().Str("sessionId", sessionID).Msg("Failed to persist reconnect attempts")
	}
	return attempts
}

// armConnectTimer instala o timer duro da conexão pendente
func (m *Manager) armConnectTimer(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.connectTimers[conn.SessionID]; ok {
		prev.Stop()
	}
	m.connectTimers[conn.SessionID] = time.AfterFunc(m.opts.ConnectTimeout, func() {
		if conn.Driver.IsConnected() && conn.Driver.IsLoggedIn() {
			return
		}
		m.log.Warn().Str("sessionId", conn.SessionID).Msg("Connection timed out, tearing down socket")
		conn.Driver.Disconnect()
	})
}

func (m *Manager) cancelTimers(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.reconnectTimers[sessionID]; ok {
		t.Stop()
		delete(m.reconnectTimers, sessionID)
	}
	if t, ok := m.connectTimers[sessionID]; ok {
		t.Stop()
		delete(m.connectTimers, sessionID)
	}
}

func (m *Manager) removeConnection(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, sessionID)
}

// persistCreds espelha o snapshot do device no armazenamento de
// credenciais
func (m *Manager) persistCreds(conn *Connection) {
	creds := conn.Driver.SnapshotCreds()
	if err := conn.Handle.SaveCreds(creds); err != nil {
		if errors.Is(err, authstore.ErrInvalidCreds) {
			m.log.Debug().Str("sessionId", conn.SessionID).Msg("Skipping partial creds write outside pairing window")
			return
		}
		m.log.WithError(err).Error().Str("sessionId", conn.SessionID).Msg("Failed to persist credentials")
	}
}

// markPairing registra a sessão no conjunto de pareamentos em andamento
// e agenda a limpeza após o período de graça
func (m *Manager) markPairing(sessionID string, handle *authstore.Handle) {
	m.mu.Lock()
	m.pairing[sessionID] = time.Now()
	m.mu.Unlock()

	handle.SetPairingInProgress(true)

	time.AfterFunc(m.opts.PairingGrace, func() {
		m.clearPairing(sessionID, handle)
	})
}

func (m *Manager) clearPairing(sessionID string, handle *authstore.Handle) {
	m.mu.Lock()
	_, pending := m.pairing[sessionID]
	delete(m.pairing, sessionID)
	m.mu.Unlock()

	if pending {
		handle.SetPairingInProgress(false)
	}
}

// schedulePairing espera o transporte responder e solicita o código de
// pareamento para o número da sessão
func (m *Manager) schedulePairing(conn *Connection, phoneNumber string) {
	deadline := time.Now().Add(m.opts.PairingWait)
	for !conn.Driver.IsConnected() {
		if time.Now().After(deadline) {
			m.log.Warn().Str("sessionId", conn.SessionID).Msg("Transport never came up, pairing aborted")
			if conn.callbacks.OnClose != nil {
				conn.callbacks.OnClose(whatsapp.CodeTimedOut, DecisionPermanent)
			}
			return
		}
		time.Sleep(m.opts.PairingPoll)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PairingWait)
	defer cancel()

	code, err := conn.Driver.PairPhone(ctx, phoneNumber)
	if err != nil {
		m.log.WithError(err).Error().Str("sessionId", conn.SessionID).Msg("Failed to request pairing code")
		return
	}

	m.log.Info().Str("sessionId", conn.SessionID).Msg("Pairing code generated")
	if conn.callbacks.OnPairingCode != nil {
		conn.callbacks.OnPairingCode(code)
	}
}
