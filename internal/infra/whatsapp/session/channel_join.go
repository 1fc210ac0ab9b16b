package session

import (
	"context"
	"sync"
	"time"

	"nexusbot/pkg/logger"
)

const (
	joinBatchSize     = 10
	joinInterBatchGap = 7 * time.Second
	joinIntraBatchGap = 3 * time.Second
	joinQueueCap      = 50
	joinStaleAfter    = 10 * time.Minute
	joinedCap         = 300
	joinedTTL         = 1 * time.Hour
)

// NewsletterClient é o recorte do driver usado na entrada em canal
type NewsletterClient interface {
	FollowNewsletter(ctx context.Context, jid string) error
	SubscribeNewsletterUpdates(ctx context.Context, jid string) error
	UnmuteNewsletter(ctx context.Context, jid string) error
}

type joinRequest struct {
	sessionID string
	jid       string
	client    NewsletterClient
	queuedAt  time.Time
}

type joinedEntry struct {
	at time.Time
}

// ChannelJoiner é a fila global de entrada em canal. Processa lotes
// pequenos com espaçamento generoso para não chamar atenção do servidor,
// e nunca entra duas vezes no mesmo canal pela mesma sessão.
type ChannelJoiner struct {
	log logger.Logger

	mu      sync.Mutex
	queue   []joinRequest
	joined  map[string]joinedEntry
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once

	now func() time.Time
}

// NewChannelJoiner cria o batcher e inicia o worker
func NewChannelJoiner(log logger.Logger) *ChannelJoiner {
	j := &ChannelJoiner{
		log:    log.WithComponent("channel-joiner"),
		joined: make(map[string]joinedEntry),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	go j.run()
	return j
}

// Enqueue agenda a entrada da sessão no canal. Pedidos duplicados, fila
// cheia e canais já visitados são descartados silenciosamente.
func (j *ChannelJoiner) Enqueue(sessionID, channelJID string, client NewsletterClient) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := sessionID + "|" + channelJID
	if e, ok := j.joined[key]; ok && j.now().Sub(e.at) < joinedTTL {
		return
	}
	if len(j.queue) >= joinQueueCap {
		j.log.Warn().Str("sessionId", sessionID).Msg("Channel join queue full, dropping request")
		return
	}
	for _, req := range j.queue {
		if req.sessionID == sessionID && req.jid == channelJID {
			return
		}
	}

	j.queue = append(j.queue, joinRequest{
		sessionID: sessionID,
		jid:       channelJID,
		client:    client,
		queuedAt:  j.now(),
	})

	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Close para o worker; pedidos pendentes são descartados
func (j *ChannelJoiner) Close() {
	j.stopped.Do(func() { close(j.stop) })
}

func (j *ChannelJoiner) run() {
	for {
		select {
		case <-j.stop:
			return
		case <-j.wake:
		}

		for {
			batch := j.takeBatch()
			if len(batch) == 0 {
				break
			}
			j.processBatch(batch)

			select {
			case <-j.stop:
				return
			case <-time.After(joinInterBatchGap):
			}
		}
	}
}

// takeBatch retira até joinBatchSize pedidos, purgando os que esperaram
// demais na fila
func (j *ChannelJoiner) takeBatch() []joinRequest {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().Add(-joinStaleAfter)
	fresh := j.queue[:0]
	for _, req := range j.queue {
		if req.queuedAt.Before(cutoff) {
			continue
		}
		fresh = append(fresh, req)
	}
	j.queue = fresh

	n := len(j.queue)
	if n > joinBatchSize {
		n = joinBatchSize
	}
	batch := make([]joinRequest, n)
	copy(batch, j.queue[:n])
	j.queue = j.queue[n:]
	return batch
}

func (j *ChannelJoiner) processBatch(batch []joinRequest) {
	for i, req := range batch {
		if i > 0 {
			select {
			case <-j.stop:
				return
			case <-time.After(joinIntraBatchGap):
			}
		}
		j.join(req)
	}
}

// join segue o canal, assina as atualizações ao vivo e desmuta
func (j *ChannelJoiner) join(req joinRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := req.client.FollowNewsletter(ctx, req.jid); err != nil {
		j.log.WithError(err).Warn().
			Str("sessionId", req.sessionID).
			Str("channel", req.jid).
			Msg("Channel follow failed")
		return
	}
	if err := req.client.SubscribeNewsletterUpdates(ctx, req.jid); err != nil {
		j.log.WithError(err).Debug().Str("sessionId", req.sessionID).Msg("Channel live update subscription failed")
	}
	if err := req.client.UnmuteNewsletter(ctx, req.jid); err != nil {
		j.log.WithError(err).Debug().Str("sessionId", req.sessionID).Msg("Channel unmute failed")
	}

	j.markJoined(req.sessionID, req.jid)
	j.log.Info().
		Str("sessionId", req.sessionID).
		Str("channel", req.jid).
		Msg("Channel joined")
}

func (j *ChannelJoiner) markJoined(sessionID, channelJID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.joined) >= joinedCap {
		j.evictJoinedLocked()
	}
	j.joined[sessionID+"|"+channelJID] = joinedEntry{at: j.now()}
}

// evictJoinedLocked descarta entradas vencidas; se nenhuma venceu, a
// mais antiga sai
func (j *ChannelJoiner) evictJoinedLocked() {
	cutoff := j.now().Add(-joinedTTL)
	var oldestKey string
	var oldestAt time.Time
	first := true

	for key, e := range j.joined {
		if e.at.Before(cutoff) {
			delete(j.joined, key)
			continue
		}
		if first || e.at.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.at
			first = false
		}
	}
	if len(j.joined) >= joinedCap && !first {
		delete(j.joined, oldestKey)
	}
}
