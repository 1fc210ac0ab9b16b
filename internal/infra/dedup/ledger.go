package dedup

import (
	"sync"
	"time"

	"nexusbot/pkg/logger"
)

// Key identifica uma mensagem observada pela frota
type Key struct {
	ChatJID   string
	MessageID string
}

// Ações padronizadas usadas pelo dispatcher
const (
	ActionDBUpdate   = "db-update"
	ActionErrorReply = "error-reply"
)

// AntiAction monta o nome de ação para um anti-plugin
func AntiAction(pluginID string) string {
	return "anti-" + pluginID
}

type actionState struct {
	lockedBy  string
	lockedAt  time.Time
	completed bool
}

type entry struct {
	actions   map[string]*actionState
	createdAt time.Time
}

// Options configura o ledger
type Options struct {
	// EntryTTL é a vida de uma entrada (chatId, messageId)
	EntryTTL time.Duration
	// LockTTL é a idade a partir da qual um lock pode ser tomado
	LockTTL time.Duration
	// SweepInterval intervalo da varredura de limpeza
	SweepInterval time.Duration
	// MaxEntries limite duro; o mais antigo é removido primeiro
	MaxEntries int
}

// DefaultOptions retorna os parâmetros padrão do ledger
func DefaultOptions() Options {
	return Options{
		EntryTTL:      30 * time.Second,
		LockTTL:       15 * time.Second,
		SweepInterval: 10 * time.Second,
		MaxEntries:    300,
	}
}

// Ledger garante semântica at-most-once por (mensagem, ação) quando a mesma
// mensagem é observada por várias sessões hospedadas. Uma sessão vence o
// lock ou observa a marca de conclusão dentro das janelas de 15s/30s.
type Ledger struct {
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	entries map[Key]*entry

	now    func() time.Time
	stopCh chan struct{}
	stopOnce sync.Once
}

// NewLedger cria um ledger e inicia a varredura periódica
func NewLedger(opts Options, log logger.Logger) *Ledger {
	l := &Ledger{
		opts:    opts,
		log:     log.WithComponent("dedup-ledger"),
		entries: make(map[Key]*entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// TryLock retorna true sse a sessão pode prosseguir com a ação para a chave.
// Retorna false quando a ação já foi concluída ou quando outra sessão possui
// um lock fresco (mais novo que LockTTL). Um lock expirado pode ser tomado.
func (l *Ledger) TryLock(key Key, sessionID, action string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		l.evictIfFullLocked()
		e = &entry{actions: make(map[string]*actionState), createdAt: now}
		l.entries[key] = e
	}

	st, ok := e.actions[action]
	if !ok {
		e.actions[action] = &actionState{lockedBy: sessionID, lockedAt: now}
		return true
	}

	if st.completed {
		return false
	}
	if st.lockedBy == sessionID {
		return true
	}
	if now.Sub(st.lockedAt) > l.opts.LockTTL {
		// Lock envelhecido: tomada pela ordem de chegada
		st.lockedBy = sessionID
		st.lockedAt = now
		return true
	}
	return false
}

// MarkDone registra a conclusão da ação; idempotente
func (l *Ledger) MarkDone(key Key, sessionID, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		l.evictIfFullLocked()
		e = &entry{actions: make(map[string]*actionState), createdAt: now}
		l.entries[key] = e
	}

	st, ok := e.actions[action]
	if !ok {
		e.actions[action] = &actionState{lockedBy: sessionID, lockedAt: now, completed: true}
		return
	}
	st.completed = true
}

// IsDone verifica se a ação já foi concluída para a chave
func (l *Ledger) IsDone(key Key, action string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false
	}
	st, ok := e.actions[action]
	return ok && st.completed
}

// Len retorna o número de entradas vivas
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop encerra a varredura periódica
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *Ledger) sweepLoop() {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Ledger) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.createdAt) > l.opts.EntryTTL {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug().Int("removed", removed).Int("remaining", len(l.entries)).Msg("Dedup sweep completed")
	}
}

// evictIfFullLocked remove a entrada mais antiga quando o cap é atingido.
// Chamado com o mutex já adquirido.
func (l *Ledger) evictIfFullLocked() {
	if len(l.entries) < l.opts.MaxEntries {
		return
	}

	var oldestKey Key
	var oldestAt time.Time
	first := true
	for key, e := range l.entries {
		if first || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
			first = false
		}
	}
	if !first {
		delete(l.entries, oldestKey)
	}
}
