package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"nexusbot/internal/domain/session"
	"nexusbot/internal/domain/whatsapp"
	"nexusbot/internal/infra/cache"
	"nexusbot/internal/infra/whatsapp/connection"
	"nexusbot/pkg/logger"
	"nexusbot/pkg/ratebucket"
)

const (
	sendTimeout    = 40 * time.Second
	sendMaxRetries = 2

	// Classe única do bucket: todos os envios do processo passam pela
	// mesma fila serial, independente da sessão de origem
	sendClass = "send"
)

// Atrasos entre tentativas; o índice é o número da tentativa que falhou
var sendRetryDelays = [sendMaxRetries]time.Duration{1 * time.Second, 2 * time.Second}

// Socket é a visão de uma sessão ativa para o resto do sistema: o driver
// cru mais a política de envio (fila serial, timeout, retry e fallback
// de rate limit)
type Socket struct {
	SessionID string

	bucket *ratebucket.Bucket
	repo   session.Repository
	log    logger.Logger

	mu          sync.RWMutex
	sess        *session.Session
	conn        *connection.Connection
	pairingCode string
	activityAt  time.Time

	installOnce sync.Once
}

func newSocket(sessionID string, sess *session.Session, bucket *ratebucket.Bucket, repo session.Repository, log logger.Logger) *Socket {
	return &Socket{
		SessionID:  sessionID,
		sess:       sess,
		bucket:     bucket,
		repo:       repo,
		log:        log.WithComponent("socket").WithField("sessionId", sessionID),
		activityAt: time.Now(),
	}
}

func (s *Socket) attach(conn *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Session retorna a entidade da sessão
func (s *Socket) Session() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// Driver expõe o driver cru; nil antes da conexão ser montada
func (s *Socket) Driver() whatsapp.SocketDriver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Driver
}

// Messages retorna o índice de mensagens da sessão
func (s *Socket) Messages() *cache.MessageStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Messages
}

// PairingCode retorna o último código de pareamento gerado, vazio se
// nenhum está pendente
func (s *Socket) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

func (s *Socket) setPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
}

func (s *Socket) clearPairingCode() {
	s.setPairingCode("")
}

func (s *Socket) touchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityAt = time.Now()
}

func (s *Socket) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activityAt
}

// dropAuxState descarta o estado auxiliar em memória de uma sessão
// inativa; credenciais e conexão ficam intactas
func (s *Socket) dropAuxState() {
	s.clearPairingCode()
	if msgs := s.Messages(); msgs != nil {
		msgs.Reset()
	}
}

// Send envia a mensagem pela fila serial global de envios, com timeout
// por chamada, retry em erros transitórios e fallback sem menções
// quando o servidor rate-limita. No sucesso, a atividade da sessão é
// registrada.
func (s *Socket) Send(ctx context.Context, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	drv := s.Driver()
	if drv == nil {
		return nil, session.ErrSessionNotConnected
	}

	receipt, err := s.enqueueSend(ctx, drv, toJID, msg)
	if err != nil {
		return nil, err
	}

	s.touchActivity()
	go s.persistActivity()
	return receipt, nil
}

// enqueueSend passa o envio pela FIFO compartilhada do processo; a
// classe é uma só para todas as sessões
func (s *Socket) enqueueSend(ctx context.Context, drv whatsapp.SocketDriver, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	var receipt *whatsapp.SendReceipt
	err := s.bucket.Do(ctx, sendClass, func() error {
		r, sendErr := s.sendWithRetry(ctx, drv, toJID, msg)
		receipt = r
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Socket) sendWithRetry(ctx context.Context, drv whatsapp.SocketDriver, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	for attempt := 0; ; attempt++ {
		receipt, err := s.sendOnce(ctx, drv, toJID, msg)
		if err == nil {
			return receipt, nil
		}

		if isNoRetry(err) {
			// Menções fazem o driver buscar metadados de grupo, o que
			// multiplica o orçamento de rate. Uma única tentativa sem
			// menções ainda entrega o texto.
			if errors.Is(err, whatsapp.ErrRateLimited) && msg.HasMentions() {
				s.log.Warn().Str("to", toJID).Msg("Rate limited, retrying once without mentions")
				return s.sendOnce(ctx, drv, toJID, msg.WithoutMentions())
			}
			return nil, err
		}

		if attempt >= sendMaxRetries {
			return nil, err
		}

		s.log.WithError(err).Warn().
			Str("to", toJID).
			Int("attempt", attempt+1).
			Msg("Send failed, retrying")

		select {
		case <-time.After(sendRetryDelays[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Socket) sendOnce(ctx context.Context, drv whatsapp.SocketDriver, toJID string, msg *whatsapp.OutgoingMessage) (*whatsapp.SendReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return drv.SendMessage(callCtx, toJID, msg)
}

func (s *Socket) persistActivity() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.repo.UpdateLastMessageAt(ctx, s.SessionID); err != nil {
		s.log.WithError(err).Debug().Msg("Failed to persist lastMessageAt")
	}
}

// isNoRetry identifica erros que nunca devem ser retentados
func isNoRetry(err error) bool {
	return errors.Is(err, whatsapp.ErrForbidden) ||
		errors.Is(err, whatsapp.ErrNotAuthorized) ||
		errors.Is(err, whatsapp.ErrInvalidJID) ||
		errors.Is(err, whatsapp.ErrRecipientNotFound) ||
		errors.Is(err, whatsapp.ErrRateLimited)
}
