package cache

import (
	"sync"
	"time"

	"nexusbot/internal/domain/message"
	"nexusbot/internal/domain/whatsapp"
)

const (
	messageStoreMaxEntries = 1024
	messageStoreMaxAge     = 30 * time.Minute
)

type storedMessage struct {
	msg      *message.Message
	storedAt time.Time
}

// MessageStore é o índice de mensagens em memória de uma sessão, usado
// como callback getMessage durante retries de decriptação. Não é
// autoritativo: lookups ausentes retornam nil e o driver envia o recibo
// formal de retry.
type MessageStore struct {
	mu      sync.Mutex
	byKey   map[message.Key]*storedMessage
	order   []message.Key
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

// NewMessageStore cria um índice de mensagens vazio
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byKey:   make(map[message.Key]*storedMessage),
		maxSize: messageStoreMaxEntries,
		maxAge:  messageStoreMaxAge,
		now:     time.Now,
	}
}

// Bind inscreve o índice no stream de eventos do driver para observar
// messages.upsert, inclusive o sync inicial
func (s *MessageStore) Bind(src EventSource) {
	src.AddEventHandler(func(evt any) {
		if upsert, ok := evt.(*whatsapp.MessagesUpsert); ok {
			for _, msg := range upsert.Messages {
				s.Put(msg)
			}
		}
	})
}

// Put indexa uma mensagem
func (s *MessageStore) Put(msg *message.Message) {
	if msg == nil || msg.Key.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[msg.Key]; !exists {
		s.order = append(s.order, msg.Key)
	}
	s.byKey[msg.Key] = &storedMessage{msg: msg, storedAt: s.now()}

	if len(s.byKey) > s.maxSize {
		s.evictLocked()
	}
}

// LoadMessage busca uma mensagem pelo par (chat, id); nil quando ausente
func (s *MessageStore) LoadMessage(chatJID, messageID string) *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byKey[message.Key{ChatJID: chatJID, ID: messageID}]
	if !ok {
		return nil
	}
	return stored.msg
}

// GetMessageFunc retorna o callback no formato esperado pelo driver
func (s *MessageStore) GetMessageFunc() whatsapp.GetMessageFunc {
	return s.LoadMessage
}

// Reset descarta o índice inteiro; usado quando a sessão fica inativa
// por tempo suficiente para o estado auxiliar não valer a memória
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[message.Key]*storedMessage)
	s.order = nil
}

// Len retorna o número de mensagens indexadas
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// evictLocked descarta por idade a partir do high-water mark: remove as
// mais antigas até voltar a 3/4 da capacidade, e qualquer uma acima do
// limite de idade
func (s *MessageStore) evictLocked() {
	target := s.maxSize * 3 / 4
	cutoff := s.now().Add(-s.maxAge)

	kept := s.order[:0]
	for i, key := range s.order {
		stored, ok := s.byKey[key]
		if !ok {
			continue
		}
		remaining := len(s.order) - i
		over := len(s.byKey) - target
		if over > 0 && (stored.storedAt.Before(cutoff) || remaining > target) {
			delete(s.byKey, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = append([]message.Key(nil), kept...)
}
